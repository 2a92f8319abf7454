package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/demdxx/gocast"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/xiaoxuxiansheng/goat/log"
	"github.com/xiaoxuxiansheng/goat/protocol"
	"github.com/xiaoxuxiansheng/goat/rm"
	"github.com/xiaoxuxiansheng/goat/rpc"
)

// 客户端配置
// 1. 支持 yaml/toml/json 配置文件, 格式由文件后缀决定
// 2. 所有标量配置项都可以通过 GOAT_ 前缀的环境变量覆盖, 层级之间用下划线连接, 如 GOAT_TRANSPORT_RPC_TIMEOUT
// 3. 未配置的项使用默认值, application_id 缺省时生成一个 uuid

// EnvPrefix 环境变量前缀
const EnvPrefix = "GOAT"

// ErrInvalidConfig 配置校验失败
var ErrInvalidConfig = errors.New("config: invalid")

type Config struct {
	ApplicationID  string `mapstructure:"application_id"`
	TxServiceGroup string `mapstructure:"tx_service_group"`
	// 参与角色, 1=AT 2=MT, 可以按位组合, 也可以写作 "AT|MT"
	Mode rpc.Mode `mapstructure:"-"`

	// RM 二阶段提交/回滚的重试次数
	CommitRetryCount   int         `mapstructure:"commit_retry_count"`
	RollbackRetryCount int         `mapstructure:"rollback_retry_count"`
	Retry              RetryConfig `mapstructure:"retry"`

	TM          TMConfig           `mapstructure:"tm"`
	Service     ServiceConfig      `mapstructure:"service"`
	Transport   TransportConfig    `mapstructure:"transport"`
	Lock        LockConfig         `mapstructure:"lock"`
	Undo        UndoConfig         `mapstructure:"undo"`
	Redis       RedisConfig        `mapstructure:"redis"`
	Log         log.Config         `mapstructure:"log"`
	DataSources []DataSourceConfig `mapstructure:"datasources"`
}

type RetryConfig struct {
	// none|constant|exponential
	Backoff     string        `mapstructure:"backoff"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	Multiplier  float64       `mapstructure:"multiplier"`
}

type TMConfig struct {
	CommitRetryCount   int           `mapstructure:"commit_retry_count"`
	RollbackRetryCount int           `mapstructure:"rollback_retry_count"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
}

type ServiceConfig struct {
	// 事务分组 -> TC 集群
	VgroupMapping map[string]string `mapstructure:"vgroup_mapping"`
	// TC 集群 -> 地址列表 "h:p,h:p", 也可以写成数组
	// 集群也可以写成 service.<cluster>.grouplist, 两种写法同时出现时以后者为准
	Grouplist                map[string]interface{} `mapstructure:"grouplist"`
	DisableGlobalTransaction bool                   `mapstructure:"disable_global_transaction"`
}

type TransportConfig struct {
	RPCTimeout        time.Duration `mapstructure:"rpc_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	// json|msgpack
	Serializer string `mapstructure:"serializer"`
	// none|gzip|lz4|zstd|snappy
	Compressor     string `mapstructure:"compressor"`
	MaxFrameLength int    `mapstructure:"max_frame_length"`
}

type LockConfig struct {
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryTimes    int           `mapstructure:"retry_times"`
}

type UndoConfig struct {
	LogTable     string `mapstructure:"log_table"`
	SaveDays     int    `mapstructure:"save_days"`
	SweepLockKey string `mapstructure:"sweep_lock_key"`
}

// RedisConfig undo 日志清理任务使用的分布式锁, address 为空时使用进程内的锁
type RedisConfig struct {
	Network  string `mapstructure:"network"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
}

// DataSourceConfig 一个 AT 模式数据源
type DataSourceConfig struct {
	ResourceID string `mapstructure:"resource_id"`
	DSN        string `mapstructure:"dsn"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("application_id", "")
	v.SetDefault("tx_service_group", "default_tx_group")
	v.SetDefault("mode", int(rpc.ModeAT|rpc.ModeMT))
	v.SetDefault("commit_retry_count", 5)
	v.SetDefault("rollback_retry_count", 5)
	v.SetDefault("retry.backoff", string(rm.BackoffConstant))
	v.SetDefault("retry.interval", time.Second)
	v.SetDefault("retry.max_interval", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("tm.commit_retry_count", 5)
	v.SetDefault("tm.rollback_retry_count", 5)
	v.SetDefault("tm.default_timeout", 60*time.Second)
	v.SetDefault("service.disable_global_transaction", false)
	v.SetDefault("transport.rpc_timeout", 30*time.Second)
	v.SetDefault("transport.heartbeat_interval", 5*time.Second)
	v.SetDefault("transport.dial_timeout", 3*time.Second)
	v.SetDefault("transport.serializer", "json")
	v.SetDefault("transport.compressor", "none")
	v.SetDefault("transport.max_frame_length", protocol.DefaultMaxFrameLength)
	v.SetDefault("lock.retry_interval", 10*time.Millisecond)
	v.SetDefault("lock.retry_times", 30)
	v.SetDefault("undo.log_table", "undo_log")
	v.SetDefault("undo.save_days", 7)
	v.SetDefault("undo.sweep_lock_key", "goat:undo_log:sweep")
	v.SetDefault("redis.network", "tcp")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.compress", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default 全部使用默认值的配置, 仍会读取环境变量
func Default() (*Config, error) {
	return decode(newViper())
}

// Load 读取配置文件, path 为空时等价于 Default
func Load(path string) (*Config, error) {
	v := newViper()
	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	mode, err := ParseMode(v.Get("mode"))
	if err != nil {
		return nil, err
	}
	c.Mode = mode
	c.Service.Grouplist = clusterGrouplists(v, c.Service.Grouplist)

	repair(&c)
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// clusterGrouplists 合并 service.<cluster>.grouplist 形式的集群地址
func clusterGrouplists(v *viper.Viper, grouplist map[string]interface{}) map[string]interface{} {
	service, ok := v.Get("service").(map[string]interface{})
	if !ok {
		return grouplist
	}
	for cluster, raw := range service {
		if cluster == "vgroup_mapping" || cluster == "grouplist" {
			continue
		}
		sub, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if _, ok = sub["grouplist"]; !ok {
			continue
		}
		if grouplist == nil {
			grouplist = map[string]interface{}{}
		}
		// 通过 v.Get 读取, 使 GOAT_SERVICE_<CLUSTER>_GROUPLIST 环境变量生效
		grouplist[cluster] = v.Get("service." + cluster + ".grouplist")
	}
	return grouplist
}

// ParseMode 解析参与角色, 支持数字与 "AT|MT" 两种写法
func ParseMode(raw interface{}) (rpc.Mode, error) {
	if n := gocast.ToInt(raw); n > 0 {
		return rpc.Mode(n), nil
	}
	s := strings.TrimSpace(gocast.ToString(raw))
	if s == "" {
		return rpc.ModeAT | rpc.ModeMT, nil
	}

	var mode rpc.Mode
	for _, part := range strings.Split(s, "|") {
		switch strings.ToUpper(strings.TrimSpace(part)) {
		case "AT":
			mode |= rpc.ModeAT
		case "MT", "TM":
			mode |= rpc.ModeMT
		default:
			return 0, fmt.Errorf("%w: mode %q", ErrInvalidConfig, s)
		}
	}
	return mode, nil
}

// repair 补齐无法通过默认值表达的配置项
func repair(c *Config) {
	if strings.TrimSpace(c.ApplicationID) == "" {
		c.ApplicationID = uuid.NewString()
	}
	if c.Service.VgroupMapping == nil {
		c.Service.VgroupMapping = map[string]string{}
	}
	if c.Service.Grouplist == nil {
		c.Service.Grouplist = map[string]interface{}{}
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Mode&(rpc.ModeAT|rpc.ModeMT) == 0 {
		return fmt.Errorf("%w: mode %d", ErrInvalidConfig, c.Mode)
	}
	if strings.TrimSpace(c.TxServiceGroup) == "" {
		return fmt.Errorf("%w: empty tx_service_group", ErrInvalidConfig)
	}
	if _, err := rm.ParseBackoffKind(c.Retry.Backoff); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := protocol.ParseCodecType(c.Transport.Serializer); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := protocol.ParseCompressorType(c.Transport.Compressor); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.CommitRetryCount < 0 || c.RollbackRetryCount < 0 || c.TM.CommitRetryCount < 0 || c.TM.RollbackRetryCount < 0 {
		return fmt.Errorf("%w: negative retry count", ErrInvalidConfig)
	}
	if c.Undo.SaveDays <= 0 {
		return fmt.Errorf("%w: undo.save_days must be positive", ErrInvalidConfig)
	}

	ids := make(map[string]struct{}, len(c.DataSources))
	for i, ds := range c.DataSources {
		if ds.ResourceID == "" || ds.DSN == "" {
			return fmt.Errorf("%w: datasources[%d] needs resource_id and dsn", ErrInvalidConfig, i)
		}
		if _, ok := ids[ds.ResourceID]; ok {
			return fmt.Errorf("%w: duplicate resource_id %s", ErrInvalidConfig, ds.ResourceID)
		}
		ids[ds.ResourceID] = struct{}{}
	}

	// 分组映射只在配置了 TC 地址时校验, 未配置时在首次调用 TC 时报错
	if len(c.Service.Grouplist) > 0 {
		resolver, err := rpc.NewStaticResolver(c.Service.VgroupMapping, c.Grouplist())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if _, err = resolver.Resolve(c.TxServiceGroup); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Grouplist TC 集群的地址列表, 数组形式的配置会被合并为逗号分隔的字符串
func (c *Config) Grouplist() map[string]string {
	out := make(map[string]string, len(c.Service.Grouplist))
	for cluster, raw := range c.Service.Grouplist {
		switch val := raw.(type) {
		case []interface{}:
			addrs := make([]string, 0, len(val))
			for _, a := range val {
				addrs = append(addrs, strings.TrimSpace(gocast.ToString(a)))
			}
			out[cluster] = strings.Join(addrs, ",")
		case []string:
			out[cluster] = strings.Join(val, ",")
		default:
			out[cluster] = gocast.ToString(val)
		}
	}
	return out
}

// RetryPolicy RM 与 TM 共用的重试间隔策略
func (c *Config) RetryPolicy() rm.RetryPolicy {
	kind, _ := rm.ParseBackoffKind(c.Retry.Backoff)
	return rm.RetryPolicy{
		Backoff:     kind,
		Interval:    c.Retry.Interval,
		MaxInterval: c.Retry.MaxInterval,
		Multiplier:  c.Retry.Multiplier,
	}
}

// Codec 按传输配置构造帧编解码器
func (c *Config) Codec() *protocol.Codec {
	codec, _ := protocol.ParseCodecType(c.Transport.Serializer)
	compressor, _ := protocol.ParseCompressorType(c.Transport.Compressor)
	return protocol.NewCodec(codec, compressor, c.Transport.MaxFrameLength)
}
