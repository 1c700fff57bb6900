package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
	"tracktrace/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		topic  string
		family Family
		serial string
	}{
		{"fts/v1/ff/5iO4/state", FamilyVehicleState, "5iO4"},
		{"module/v1/ff/SVR4H76449/state", FamilyModuleState, "SVR4H76449"},
		{"module/v1/ff/NodeRed/SVR4H76449/state", FamilyModuleState, "SVR4H76449"},
		{"ccu/order/active", FamilyOrderActive, ""},
		{"ccu/order/completed", FamilyOrderCompleted, ""},
		{"ccu/order/fts", FamilyOrderFts, ""},
		{"fts/v1/ff/5iO4/connection", FamilyUnknown, ""},
		{"module/v1/ff/a/b/state", FamilyUnknown, ""},
		{"random", FamilyUnknown, ""},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			family, serial := Classify(tt.topic)
			assert.Equal(t, tt.family, family)
			assert.Equal(t, tt.serial, serial)
		})
	}
}

func TestNormalize_StringEncodedPayload(t *testing.T) {
	inner := `{"serialNumber":"5iO4"}`
	encoded, err := json.Marshal(inner)
	require.NoError(t, err)

	out, err := Normalize(encoded)
	require.NoError(t, err)
	assert.JSONEq(t, inner, string(out))

	_, err = Normalize([]byte("   "))
	assert.True(t, errors.Is(err, ErrMissingField))

	_, err = Normalize([]byte(`"not json"`))
	assert.Error(t, err)
}

func TestParseVehicleState(t *testing.T) {
	payload := `{
		"serialNumber": "5iO4",
		"timestamp": "2024-05-14T09:12:33.5Z",
		"orderId": "O1",
		"orderUpdateId": 3,
		"lastNodeId": "SVR4H76449",
		"driving": false,
		"actionStates": [
			{"id": "a1", "command": "pass", "state": "FINISHED"},
			{"id": "a2", "command": "DOCK", "state": "RUNNING", "metadata": {"loadType": "BLUE", "slot": 2}}
		],
		"loads": [
			{"loadId": "wp-1", "loadType": "blue", "loadPosition": "1"},
			{"loadId": "", "loadType": "", "loadPosition": "2"}
		]
	}`
	s, err := ParseVehicleState(Message{Topic: "fts/v1/ff/5iO4/state", Payload: []byte(payload)})
	require.NoError(t, err)

	assert.Equal(t, "5iO4", s.VehicleID)
	assert.Equal(t, "SVR4H76449", s.Node)
	assert.Equal(t, "O1", s.OrderID)
	assert.Equal(t, 3, s.OrderUpdateID)
	assert.Equal(t, time.Date(2024, 5, 14, 9, 12, 33, 500000000, time.UTC), s.Timestamp)
	require.NotNil(t, s.Action)
	assert.Equal(t, "a2", s.Action.ID)
	assert.Equal(t, "DOCK", s.Action.Command)
	assert.Equal(t, "2", s.Action.Metadata["slot"])
	require.Len(t, s.Loads, 1, "空载货位应被忽略")
	assert.Equal(t, types.WorkpieceBlue, s.Loads[0].Type)
}

func TestParseVehicleState_Failures(t *testing.T) {
	topic := "fts/v1/ff/5iO4/state"
	ts := time.Now()

	_, err := ParseVehicleState(Message{Topic: topic, Payload: []byte(`{"serialNumber":"5iO4"}`), Timestamp: ts})
	assert.True(t, errors.Is(err, ErrMissingField), "缺少 lastNodeId")

	_, err = ParseVehicleState(Message{Topic: topic, Payload: []byte(`{"lastNodeId":`), Timestamp: ts})
	assert.Error(t, err, "JSON 损坏")

	_, err = ParseVehicleState(Message{Topic: topic, Payload: []byte(`{"lastNodeId":"1","timestamp":"yesterday"}`)})
	assert.Error(t, err, "时间戳格式错误")

	_, err = ParseVehicleState(Message{Topic: topic, Payload: []byte(`{"lastNodeId":"1"}`)})
	assert.True(t, errors.Is(err, ErrMissingField), "没有任何时间戳")

	_, err = ParseVehicleState(Message{Topic: "ccu/order/active", Payload: []byte(`{}`), Timestamp: ts})
	assert.True(t, errors.Is(err, ErrUnknownTopic))
}

func TestParseModuleState(t *testing.T) {
	payload := `{
		"timestamp": "2024-05-14T09:12:40Z",
		"orderId": "O1",
		"orderUpdateId": 2,
		"actionState": {"id": "m1", "command": "CHECK_QUALITY", "state": "FINISHED"},
		"loads": [{"loadType": "WHITE"}]
	}`
	encoded, _ := json.Marshal(payload)
	s, err := ParseModuleState(Message{Topic: "module/v1/ff/NodeRed/SVR4H76530/state", Payload: encoded})
	require.NoError(t, err)

	assert.Equal(t, "SVR4H76530", s.Serial)
	assert.Equal(t, types.WorkpieceWhite, s.WorkpieceType)
	require.NotNil(t, s.Action)
	assert.Equal(t, "CHECK_QUALITY", s.Action.Command)
}

func TestParseOrders(t *testing.T) {
	payload := `[
		{"orderId": "O1", "type": "blue", "orderType": "production", "startedAt": "2024-05-14T09:00:00Z",
		 "productionSteps": [{"id": "t1", "type": "NAVIGATION", "command": "TURN", "metadata": {"direction": "LEFT"}}]},
		{"orderId": "", "type": "RED"}
	]`
	orders, err := ParseOrders(Message{Topic: "ccu/order/active", Payload: []byte(payload)})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, types.WorkpieceBlue, orders[0].WorkpieceType)
	assert.Equal(t, types.OrderProduction, orders[0].OrderType)
	require.NotNil(t, orders[0].StartedAt)

	turns := TurnDirections(orders)
	assert.Equal(t, map[string]string{"t1": "LEFT"}, turns)

	single, err := ParseOrders(Message{Payload: []byte(`{"orderId":"O2","type":"RED","orderType":"STORAGE"}`)})
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, types.OrderStorage, single[0].OrderType)
}

func TestParseTurnDirections(t *testing.T) {
	payload := `{
		"orderId": "O1",
		"nodes": [
			{"id": "2", "action": {"id": "turn-1", "actionType": "TURN", "metadata": {"direction": "RIGHT"}}},
			{"id": "3", "actions": [{"id": "pass-1", "actionType": "PASS"}, {"id": "turn-2", "actionType": "turn", "metadata": {"direction": "LEFT"}}]}
		]
	}`
	turns, err := ParseTurnDirections(Message{Topic: "ccu/order/fts", Payload: []byte(payload)})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"turn-1": "RIGHT", "turn-2": "LEFT"}, turns)
}
