package types

import (
	"sort"
	"time"
)

// EventType 定义工件历史中的事件类型
// 使用字符串类型，未知命令可以原样保留，方便后续扩展
type EventType string

const (
	EventDock      EventType = "DOCK"      // 小车停靠工站
	EventPick      EventType = "PICK"      // 工站从小车取料
	EventDrop      EventType = "DROP"      // 工站放料到小车
	EventTransport EventType = "TRANSPORT" // 小车运输中
	EventProcess   EventType = "PROCESS"   // 工站加工 (钻孔、铣削、质检)
	EventTurn      EventType = "TURN"      // 小车在路口转向
	EventPass      EventType = "PASS"      // 小车通过节点
)

// WorkpieceType 工件颜色，决定工件的生产路线
type WorkpieceType string

const (
	WorkpieceBlue  WorkpieceType = "BLUE"
	WorkpieceWhite WorkpieceType = "WHITE"
	WorkpieceRed   WorkpieceType = "RED"
)

// OrderType 订单类型：入库 (STORAGE) 或生产 (PRODUCTION)
type OrderType string

const (
	OrderStorage    OrderType = "STORAGE"
	OrderProduction OrderType = "PRODUCTION"
)

// OrderStatus 订单状态，由订单是否出现在已完成集合中推导
type OrderStatus string

const (
	OrderActive    OrderStatus = "ACTIVE"
	OrderCompleted OrderStatus = "COMPLETED"
)

// TransportState 工件当前的运输状态
type TransportState string

const (
	StateInTransport TransportState = "IN_TRANSPORT"
	StateStationary  TransportState = "STATIONARY"
)

// StationKind 工站类别
type StationKind string

const (
	KindStorage       StationKind = "storage"       // 高架仓库 (HBW)
	KindDelivery      StationKind = "delivery"      // 出入库工站 (DPS)
	KindManufacturing StationKind = "manufacturing" // 加工工站 (MILL/DRILL/AIQS)
	KindCharging      StationKind = "charging"      // 充电站
)

// StationSpec 定义配置文件中的一个物理工站
type StationSpec struct {
	Serial          string      `mapstructure:"serial"`             // 物理序列号，同时也是小车导航节点 ID
	Name            string      `mapstructure:"name"`               // 逻辑名称 (e.g., DRILL)
	Kind            StationKind `mapstructure:"kind"`               // 工站类别
	ProcessDuration int         `mapstructure:"process_duration_s"` // 固定加工耗时 (秒)
}

// WorkflowStep 定义某种颜色工件生产路线中的一个步骤
type WorkflowStep struct {
	Station string `mapstructure:"station"`        // 工站逻辑名称
	Rule    string `mapstructure:"rule,omitempty"` // 额外的准入规则 (expr 语法)，为空则默认准入
}

// StationEvent 工件历史中的一条事件
type StationEvent struct {
	Timestamp       time.Time         `json:"timestamp"`
	EventType       EventType         `json:"eventType"`
	WorkpieceID     string            `json:"workpieceId"`
	WorkpieceType   WorkpieceType     `json:"workpieceType,omitempty"`
	ModuleID        string            `json:"moduleId,omitempty"`   // 物理序列号
	ModuleName      string            `json:"moduleName,omitempty"` // 逻辑名称: FTS/MILL/DRILL/AIQS/HBW/DPS
	Location        string            `json:"location,omitempty"`   // 事件发生时所在的节点
	OrderID         string            `json:"orderId,omitempty"`
	OrderUpdateID   int               `json:"orderUpdateId"`
	OrderType       OrderType         `json:"orderType,omitempty"`
	SubOrderID      string            `json:"subOrderId,omitempty"` // 一次工站访问的分组键
	ActionID        string            `json:"actionId,omitempty"`
	StationID       string            `json:"stationId,omitempty"`
	StationName     string            `json:"stationName,omitempty"`
	ProcessDuration int               `json:"processDuration,omitempty"` // 仅 PROCESS 事件携带 (秒)
	Details         map[string]string `json:"details,omitempty"`
}

// OrderContext 附加在工件历史上的订单业务信息
type OrderContext struct {
	OrderID             string      `json:"orderId"`
	OrderType           OrderType   `json:"orderType"`
	Status              OrderStatus `json:"status"`
	Provisional         bool        `json:"provisional,omitempty"` // 未匹配到后端订单时临时生成
	SupplierID          string      `json:"supplierId,omitempty"`
	CustomerID          string      `json:"customerId,omitempty"`
	PurchaseOrderNumber string      `json:"purchaseOrderNumber,omitempty"`
	CustomerOrderNumber string      `json:"customerOrderNumber,omitempty"`
	OrderDate           *time.Time  `json:"orderDate,omitempty"`
	DeliveryDate        *time.Time  `json:"deliveryDate,omitempty"`
	StorageDate         *time.Time  `json:"storageDate,omitempty"`
	ProductionStartDate *time.Time  `json:"productionStartDate,omitempty"`
	DeliveryEndDate     *time.Time  `json:"deliveryEndDate,omitempty"`
}

// WorkpieceHistory 一个物理工件的完整履历
type WorkpieceHistory struct {
	WorkpieceID     string         `json:"workpieceId"`
	WorkpieceType   WorkpieceType  `json:"workpieceType,omitempty"`
	Events          []StationEvent `json:"events"`
	CurrentLocation string         `json:"currentLocation,omitempty"`
	CurrentState    TransportState `json:"currentState,omitempty"`
	Orders          []OrderContext `json:"orders"`
}

// LastEvent 返回排序后的最后一条事件，没有事件时返回 nil
func (h *WorkpieceHistory) LastEvent() *StationEvent {
	if len(h.Events) == 0 {
		return nil
	}
	return &h.Events[len(h.Events)-1]
}

// Clone 返回历史记录的深拷贝，快照之间不共享任何可变数据
func (h *WorkpieceHistory) Clone() *WorkpieceHistory {
	c := *h
	c.Events = make([]StationEvent, len(h.Events))
	for i, e := range h.Events {
		c.Events[i] = e
		if e.Details != nil {
			d := make(map[string]string, len(e.Details))
			for k, v := range e.Details {
				d[k] = v
			}
			c.Events[i].Details = d
		}
	}
	c.Orders = make([]OrderContext, len(h.Orders))
	copy(c.Orders, h.Orders)
	return &c
}

// EventLess 定义事件的全序: 时间戳，然后 subOrderId，然后 actionId (字典序)
// 合成的 PICK/PROCESS/DROP 可能落在同一秒，必须依靠后两级排序
func EventLess(a, b StationEvent) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.SubOrderID != b.SubOrderID {
		return a.SubOrderID < b.SubOrderID
	}
	return a.ActionID < b.ActionID
}

// SortEvents 原地稳定排序
func SortEvents(events []StationEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return EventLess(events[i], events[j])
	})
}

// ProductionStep 后端订单中的一个生产/导航步骤
type ProductionStep struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	State        string         `json:"state"`
	Command      string         `json:"command"`
	ModuleType   string         `json:"moduleType"`
	SerialNumber string         `json:"serialNumber"`
	Metadata     map[string]any `json:"metadata"`
}

// Order 后端 (CCU) 下发的订单快照
type Order struct {
	OrderID       string           `json:"orderId"`
	WorkpieceType WorkpieceType    `json:"type"`
	OrderType     OrderType        `json:"orderType"`
	State         string           `json:"state"`
	WorkpieceID   string           `json:"workpieceId"`
	StartedAt     *time.Time       `json:"startedAt"`
	StoppedAt     *time.Time       `json:"stoppedAt"`
	Steps         []ProductionStep `json:"productionSteps"`
}
