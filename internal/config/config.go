package config

import (
	"errors"
	"fmt"
	"strings"
	"tracktrace/internal/types"

	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	HTTPAddr     string                          `mapstructure:"http_addr"`    // API 和 WebSocket 监听地址
	LogLevel     string                          `mapstructure:"log_level"`    // debug/info/warn/error
	Environments []string                        `mapstructure:"environments"` // 启动时初始化的数据源环境
	InboxSize    int                             `mapstructure:"inbox_size"`   // 每个环境的消息队列长度
	Buffer       BufferConfig                    `mapstructure:"buffer"`
	Stations     []types.StationSpec             `mapstructure:"stations"`  // 物理工站表
	Workflows    map[string][]types.WorkflowStep `mapstructure:"workflows"` // 生产路线，Key 为工件颜色
	Orders       OrderConfig                     `mapstructure:"orders"`
	Kafka        KafkaConfig                     `mapstructure:"kafka"`
}

// BufferConfig 原始消息缓冲配置
type BufferConfig struct {
	Retention   int    `mapstructure:"retention"`    // 每个 topic 保留的消息条数
	JournalPath string `mapstructure:"journal_path"` // 原始消息日志文件，为空则不持久化
}

// OrderConfig ERP 补全字段使用的默认供应商/客户
type OrderConfig struct {
	SupplierID string `mapstructure:"supplier_id"`
	CustomerID string `mapstructure:"customer_id"`
}

// KafkaConfig 经 Kafka 转发的遥测消息订阅配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	Topics  []string `mapstructure:"topics"`
	Env     string   `mapstructure:"env"` // 消息写入的目标环境
}

// Default 返回内置的默认配置，对应一条标准的小型自动化产线
func Default() *Config {
	return &Config{
		HTTPAddr:     ":8080",
		LogLevel:     "info",
		Environments: []string{"live"},
		InboxSize:    256,
		Buffer:       BufferConfig{Retention: 100},
		Stations: []types.StationSpec{
			{Serial: "SVR3QA0022", Name: "HBW", Kind: types.KindStorage},
			{Serial: "SVR4H73275", Name: "DPS", Kind: types.KindDelivery},
			{Serial: "SVR3QA2098", Name: "MILL", Kind: types.KindManufacturing, ProcessDuration: 12},
			{Serial: "SVR4H76449", Name: "DRILL", Kind: types.KindManufacturing, ProcessDuration: 8},
			{Serial: "SVR4H76530", Name: "AIQS", Kind: types.KindManufacturing, ProcessDuration: 6},
			{Serial: "CHRG0", Name: "CHRG", Kind: types.KindCharging},
		},
		Workflows: map[string][]types.WorkflowStep{
			"BLUE":  {{Station: "DRILL"}, {Station: "MILL"}, {Station: "AIQS"}},
			"RED":   {{Station: "MILL"}, {Station: "AIQS"}},
			"WHITE": {{Station: "DRILL"}, {Station: "AIQS"}},
		},
		Orders: OrderConfig{SupplierID: "SUP-0001", CustomerID: "CUST-0001"},
		Kafka: KafkaConfig{
			GroupID: "tracktrace",
			Topics:  []string{"ff-telemetry"},
			Env:     "live",
		},
	}
}

// LoadConfig 从指定路径加载配置，文件不存在时使用默认值
// path 为空时在当前目录查找 config.yaml
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}
	v.SetEnvPrefix("TRACKTRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	// 环境变量只对已知的标量 key 生效，先登记默认值
	v.SetDefault("http_addr", cfg.HTTPAddr)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("inbox_size", cfg.InboxSize)
	v.SetDefault("buffer.retention", cfg.Buffer.Retention)
	v.SetDefault("buffer.journal_path", cfg.Buffer.JournalPath)
	v.SetDefault("kafka.enabled", cfg.Kafka.Enabled)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// mapstructure 会在已有的切片和 map 上合并，文件里出现的表需要整体替换默认值
	if v.IsSet("stations") {
		cfg.Stations = nil
	}
	if v.IsSet("workflows") {
		cfg.Workflows = nil
	}
	if v.IsSet("environments") {
		cfg.Environments = nil
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// *** Viper 会把 map key 转为小写，颜色统一转为大写 ***
	workflows := make(map[string][]types.WorkflowStep, len(cfg.Workflows))
	for color, steps := range cfg.Workflows {
		workflows[strings.ToUpper(color)] = steps
	}
	cfg.Workflows = workflows

	if cfg.Buffer.Retention <= 0 {
		return nil, fmt.Errorf("buffer.retention 必须大于 0")
	}
	return cfg, nil
}
