package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
	"tracktrace/internal/util"
)

const (
	vehicle = "5iO4"
	hbw     = "SVR3QA0022"
	dps     = "SVR4H73275"
	mill    = "SVR3QA2098"
	drill   = "SVR4H76449"
	aiqs    = "SVR4H76530"
)

// Message 发送给追溯服务的一条遥测消息
type Message struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// step 剧本中的一步，at 为相对开始时间的偏移
type step struct {
	at  time.Duration
	msg func(ts time.Time) Message
}

// main 模拟一条小型产线：先入库一个白色工件，再生产一个蓝色工件
func main() {
	addr := flag.String("addr", "http://localhost:8080", "追溯服务地址")
	env := flag.String("env", "mock", "写入的环境")
	interval := flag.Duration("interval", 500*time.Millisecond, "两条消息之间的真实间隔")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "line-simulator")
	slog.SetDefault(logger)

	client := &http.Client{Timeout: 5 * time.Second}
	if err := post(client, fmt.Sprintf("%s/api/envs/%s/init", *addr, *env), nil, ""); err != nil {
		logger.Error("初始化环境失败", "error", err)
		os.Exit(1)
	}

	start := time.Now().UTC()
	traceID := util.NewTraceID()
	logger.Info("=== 产线模拟开始 ===", "env", *env, "trace_id", traceID)
	for i, s := range scenario() {
		msg := s.msg(start.Add(s.at))
		url := fmt.Sprintf("%s/api/envs/%s/messages", *addr, *env)
		if err := post(client, url, msg, traceID); err != nil {
			logger.Error("发送消息失败", "step", i, "topic", msg.Topic, "error", err)
			os.Exit(1)
		}
		logger.Info("已发送", "step", i, "topic", msg.Topic)
		time.Sleep(*interval)
	}
	logger.Info("产线模拟结束")
}

func post(client *http.Client, url string, body any, traceID string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func scenario() []step {
	storage := order("S-1001", "WHITE", "STORAGE", "wp-white-1")
	production := order("P-2001", "BLUE", "PRODUCTION", "wp-blue-1")
	white := []map[string]any{{"loadId": "wp-white-1", "loadType": "WHITE", "loadPosition": "1"}}
	blue := []map[string]any{{"loadId": "wp-blue-1", "loadType": "BLUE", "loadPosition": "1"}}

	return []step{
		{0, orders("ccu/order/active", storage)},
		{2 * time.Second, vehicleState(dps, "S-1001", "dock-1", "DOCK", white)},
		{20 * time.Second, vehicleState("2", "S-1001", "turn-1", "TURN", white)},
		{40 * time.Second, vehicleState(hbw, "S-1001", "dock-2", "DOCK", white)},
		{42 * time.Second, moduleState(hbw, "S-1001", "pick-1", "PICK", "WHITE")},
		{45 * time.Second, moduleState(hbw, "S-1001", "drop-1", "DROP", "WHITE")},
		{60 * time.Second, orders("ccu/order/completed", storage)},

		{70 * time.Second, orders("ccu/order/active", production)},
		{90 * time.Second, vehicleState("2", "P-2001", "pass-1", "PASS", blue)},
		{110 * time.Second, vehicleState(drill, "P-2001", "dock-3", "DOCK", blue)},
		{140 * time.Second, vehicleState(mill, "P-2001", "dock-4", "DOCK", blue)},
		{180 * time.Second, vehicleState(aiqs, "P-2001", "dock-5", "DOCK", blue)},
		{190 * time.Second, moduleState(aiqs, "P-2001", "check-1", "CHECK_QUALITY", "BLUE")},
		{220 * time.Second, vehicleState(dps, "P-2001", "dock-6", "DOCK", blue)},
		{240 * time.Second, orders("ccu/order/completed", storage, production)},
	}
}

func order(id, color, orderType, workpieceID string) map[string]any {
	return map[string]any{"orderId": id, "type": color, "orderType": orderType, "workpieceId": workpieceID}
}

func orders(topic string, list ...map[string]any) func(time.Time) Message {
	return func(ts time.Time) Message {
		for _, o := range list {
			if _, ok := o["startedAt"]; !ok {
				o["startedAt"] = ts
			}
		}
		return Message{Topic: topic, Payload: list, Timestamp: ts}
	}
}

func vehicleState(node, orderID, actionID, command string, loads []map[string]any) func(time.Time) Message {
	return func(ts time.Time) Message {
		return Message{
			Topic: "fts/v1/ff/" + vehicle + "/state",
			Payload: map[string]any{
				"serialNumber":  vehicle,
				"timestamp":     ts.Format(time.RFC3339Nano),
				"orderId":       orderID,
				"orderUpdateId": 1,
				"lastNodeId":    node,
				"driving":       false,
				"actionStates":  []map[string]any{{"id": actionID, "command": command, "state": "FINISHED"}},
				"loads":         loads,
			},
			Timestamp: ts,
		}
	}
}

func moduleState(serial, orderID, actionID, command, color string) func(time.Time) Message {
	return func(ts time.Time) Message {
		return Message{
			Topic: "module/v1/ff/" + serial + "/state",
			Payload: map[string]any{
				"serialNumber":  serial,
				"timestamp":     ts.Format(time.RFC3339Nano),
				"orderId":       orderID,
				"orderUpdateId": 1,
				"actionState":   map[string]any{"id": actionID, "command": command, "state": "FINISHED"},
				"loads":         []map[string]any{{"loadType": color}},
			},
			Timestamp: ts,
		}
	}
}
