package plugin

// 内置适配器与连接器通过 init 注册到各自的 Registry
import (
	_ "github.com/y001j/fault-engine/internal/northbound/console"
	_ "github.com/y001j/fault-engine/internal/northbound/influxdb"
	_ "github.com/y001j/fault-engine/internal/northbound/mqtt"
	_ "github.com/y001j/fault-engine/internal/northbound/nats_pub"
	_ "github.com/y001j/fault-engine/internal/southbound/csv"
	_ "github.com/y001j/fault-engine/internal/southbound/influxdb"
	_ "github.com/y001j/fault-engine/internal/southbound/mqtt_sub"
	_ "github.com/y001j/fault-engine/internal/southbound/nats_sub"
)
