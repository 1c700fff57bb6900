package station

import (
	"fmt"
	"strings"
	"tracktrace/internal/types"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
)

// NameFTS 是运输小车的逻辑模块名
const NameFTS = "FTS"

// Station 描述产线上的一个物理工站
type Station struct {
	Serial          string            // 物理序列号，同时也是导航节点 ID
	Name            string            // 逻辑名称
	Kind            types.StationKind // 工站类别
	ProcessDuration int               // 固定加工耗时 (秒)
}

// IsManufacturing 是否为可加工工站
func (s Station) IsManufacturing() bool {
	return s.Kind == types.KindManufacturing
}

// step 是编译后的生产路线步骤
type step struct {
	station string
	program *vm.Program // 规则为空时为 nil
}

// Catalog 是工站表和生产路线表的只读查询入口
// 这些数据来自配置文件，新增工站类型不需要修改合成逻辑
type Catalog struct {
	bySerial  map[string]Station
	byName    map[string]Station
	workflows map[types.WorkpieceType][]step
}

// NewCatalog 根据配置构建工站目录，并预编译所有准入规则
func NewCatalog(specs []types.StationSpec, workflows map[string][]types.WorkflowStep) (*Catalog, error) {
	c := &Catalog{
		bySerial:  make(map[string]Station, len(specs)),
		byName:    make(map[string]Station, len(specs)),
		workflows: make(map[types.WorkpieceType][]step, len(workflows)),
	}

	for _, spec := range specs {
		if spec.Serial == "" || spec.Name == "" {
			return nil, fmt.Errorf("工站配置缺少 serial 或 name: %+v", spec)
		}
		s := Station{
			Serial:          spec.Serial,
			Name:            strings.ToUpper(spec.Name),
			Kind:            spec.Kind,
			ProcessDuration: spec.ProcessDuration,
		}
		// PROCESS 事件必须携带加工耗时
		if s.ProcessDuration <= 0 {
			s.ProcessDuration = 1
		}
		c.bySerial[s.Serial] = s
		c.byName[s.Name] = s
	}

	for color, steps := range workflows {
		compiled := make([]step, 0, len(steps))
		for _, ws := range steps {
			name := strings.ToUpper(ws.Station)
			if _, ok := c.byName[name]; !ok {
				return nil, fmt.Errorf("生产路线 %s 引用了未知工站 %s", color, ws.Station)
			}
			st := step{station: name}
			if ws.Rule != "" {
				program, err := expr.Compile(ws.Rule, expr.Env(ruleEnv("", "", "")), expr.AsBool())
				if err != nil {
					return nil, fmt.Errorf("规则编译失败 (%s/%s): %w", color, name, err)
				}
				st.program = program
			}
			compiled = append(compiled, st)
		}
		c.workflows[types.WorkpieceType(strings.ToUpper(color))] = compiled
	}
	return c, nil
}

// ruleEnv 构造准入规则可以访问的变量
func ruleEnv(wpType, orderType, station string) map[string]interface{} {
	return map[string]interface{}{
		"workpiece_type": wpType,
		"order_type":     orderType,
		"station":        station,
	}
}

// Lookup 按序列号查找工站
func (c *Catalog) Lookup(serial string) (Station, bool) {
	s, ok := c.bySerial[serial]
	return s, ok
}

// ByName 按逻辑名称查找工站
func (c *Catalog) ByName(name string) (Station, bool) {
	s, ok := c.byName[strings.ToUpper(name)]
	return s, ok
}

// IsStorage 节点是否为仓储工站
func (c *Catalog) IsStorage(serial string) bool {
	s, ok := c.bySerial[serial]
	return ok && s.Kind == types.KindStorage
}

// IsDelivery 节点是否为出入库工站
func (c *Catalog) IsDelivery(serial string) bool {
	s, ok := c.bySerial[serial]
	return ok && s.Kind == types.KindDelivery
}

// IsManufacturing 节点是否为加工工站
func (c *Catalog) IsManufacturing(serial string) bool {
	s, ok := c.bySerial[serial]
	return ok && s.IsManufacturing()
}

// Routes 判断该颜色的工件在该订单类型下是否应当在工站加工
// 工站不在该颜色的路线中，或准入规则返回 false，都视为不加工
func (c *Catalog) Routes(wpType types.WorkpieceType, s Station, orderType types.OrderType) (bool, error) {
	for _, st := range c.workflows[wpType] {
		if st.station != s.Name {
			continue
		}
		if st.program == nil {
			return true, nil
		}
		out, err := expr.Run(st.program, ruleEnv(string(wpType), string(orderType), s.Name))
		if err != nil {
			return false, fmt.Errorf("规则执行失败: %w", err)
		}
		ok, _ := out.(bool)
		return ok, nil
	}
	return false, nil
}

// Workflow 返回某颜色工件的工站顺序
func (c *Catalog) Workflow(wpType types.WorkpieceType) []string {
	steps := c.workflows[wpType]
	names := make([]string, len(steps))
	for i, st := range steps {
		names[i] = st.station
	}
	return names
}
