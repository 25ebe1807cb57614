// ABOUTME: Wires the built-in backend factories into an agent registry.
// ABOUTME: Callers pick which backends a deployment exposes via Options.

package backends

import "github.com/2389/gorp/internal/agent"

// Options selects which built-in backends to register.
type Options struct {
	Mock   bool
	Direct bool
	ACP    bool
	Native bool
}

// NewRegistry builds a registry with the selected built-in backends.
func NewRegistry(opts Options) *agent.Registry {
	reg := agent.NewRegistry()
	if opts.Mock {
		reg.Register("mock", MockFactory)
	}
	if opts.Direct {
		reg.Register("direct", DirectFactory)
	}
	if opts.ACP {
		reg.Register("acp", ACPFactory)
	}
	if opts.Native {
		reg.Register("native", NativeFactory)
	}
	return reg
}

// OptionsFor enables the built-in backends named in configured. Unknown
// names are ignored; registry lookups for them fail later with a clear
// error. An empty list enables every built-in backend.
func OptionsFor(configured []string) Options {
	if len(configured) == 0 {
		return Options{Mock: true, Direct: true, ACP: true, Native: true}
	}
	var opts Options
	for _, name := range configured {
		switch name {
		case "mock":
			opts.Mock = true
		case "direct":
			opts.Direct = true
		case "acp":
			opts.ACP = true
		case "native":
			opts.Native = true
		}
	}
	return opts
}

// DefaultRegistry registers every built-in backend.
func DefaultRegistry() *agent.Registry {
	return NewRegistry(OptionsFor(nil))
}
