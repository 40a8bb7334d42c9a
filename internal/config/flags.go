package config

import (
	flag "github.com/spf13/pflag"
)

// Overrides are command line flags that win over the config file.
type Overrides struct {
	fs *flag.FlagSet

	path     string
	role     string
	host     string
	level    string
	dev      bool
	listen   string
	leaves   []string
	virtuals []string
	panels   []string
	maxLine  Size
}

func Flags(fs *flag.FlagSet) *Overrides {
	o := &Overrides{fs: fs}
	fs.StringVarP(&o.path, "config", "c", "", "config file (yaml)")
	fs.StringVar(&o.role, "role", "", "standalone, gateway or leaf")
	fs.StringVar(&o.host, "host", "", "companion satellite address")
	fs.StringVar(&o.level, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&o.dev, "debug", false, "development logging")
	fs.StringVar(&o.listen, "listen", "", "leaf listen endpoint (host:port or serial://name?baud=n)")
	fs.StringSliceVar(&o.leaves, "leaf", nil, "gateway leaf endpoint, repeatable")
	fs.StringSliceVar(&o.virtuals, "virtual", nil, "virtual deck serial=model, repeatable")
	fs.StringSliceVar(&o.panels, "inch35", nil, "3.5\" panel serial port name, repeatable")
	fs.Var(&o.maxLine, "max-line", "longest accepted host line, e.g. 256KB")
	return o
}

func (o *Overrides) Path() string {
	return o.path
}

// Apply copies every flag that was set on the command line into cfg.
func (o *Overrides) Apply(cfg *Config) error {
	if o.fs.Changed("role") {
		cfg.Role = o.role
	}
	if o.fs.Changed("host") {
		cfg.Host.Addr = o.host
	}
	if o.fs.Changed("log-level") {
		cfg.Log.Level = o.level
	}
	if o.fs.Changed("debug") {
		cfg.Log.Development = o.dev
	}
	if o.fs.Changed("listen") {
		cfg.Leaf.Listen = o.listen
	}
	if o.fs.Changed("leaf") {
		cfg.Gateway.Leaves = o.leaves
	}
	if o.fs.Changed("virtual") {
		specs, err := parseVirtuals(o.virtuals)
		if err != nil {
			return err
		}
		cfg.Devices.Virtual.Devices = specs
	}
	if o.fs.Changed("inch35") {
		cfg.Devices.Inch35.Ports = o.panels
	}
	if o.fs.Changed("max-line") {
		cfg.Host.MaxLine = o.maxLine
	}
	return nil
}
