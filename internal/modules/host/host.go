package host

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"cmdrelay/internal/core"
)

const Name = "host_status"

// Ключи datastore, которые заполняет Execute.
const (
	KeyMemUsedPct = "mem_used_pct"
	KeyLoad1      = "load1"
)

// Definition описывает команду снятия состояния узла, на котором работает relay.
func Definition() core.Definition {
	return core.Definition{
		Name:        Name,
		Description: "Record host metrics of the relay node",
		New:         func() core.Handler { return &Module{} },
	}
}

// Module собирает базовые метрики узла.
type Module struct{}

func (m *Module) Execute(ctx context.Context, cmd *core.Command) error {
	hInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return fmt.Errorf("host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("memory info: %w", err)
	}
	ld, err := load.AvgWithContext(ctx)
	if err != nil {
		return fmt.Errorf("load info: %w", err)
	}
	summary := map[string]interface{}{
		"hostname":     hInfo.Hostname,
		"platform":     hInfo.Platform,
		"platformVer":  hInfo.PlatformVersion,
		"kernel":       hInfo.KernelVersion,
		"uptime_sec":   hInfo.Uptime,
		"boot_time":    time.Unix(int64(hInfo.BootTime), 0).UTC().Format(time.RFC3339),
		"mem_total":    vm.Total,
		"mem_used":     vm.Used,
		"mem_used_pct": vm.UsedPercent,
		"load1":        ld.Load1,
		"load5":        ld.Load5,
		"load15":       ld.Load15,
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal host status: %w", err)
	}
	ds := cmd.Datastore()
	ds.Set(core.ResultKey, core.StringValue(string(raw)))
	ds.Set(KeyMemUsedPct, core.NumberValue(vm.UsedPercent))
	ds.Set(KeyLoad1, core.NumberValue(ld.Load1))
	return nil
}

func (m *Module) PostExecute(ctx context.Context, cmd *core.Command) error {
	ds := cmd.Datastore()
	fields := core.Fields{}
	for _, key := range []string{core.ResultKey, KeyMemUsedPct, KeyLoad1} {
		v, _ := ds.Get(key)
		fields[key] = v
	}
	return cmd.Save(ctx, fields)
}
