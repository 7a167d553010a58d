package runtime

// DefaultRegistry holds the adapters compiled into the binary. Backends add
// themselves from an init function.
var DefaultRegistry = Registry{}

// Register adds a new adapter factory to the default registry.
func Register(name string, factory AdapterFactory) {
	DefaultRegistry[name] = factory
}

// Backends lists the registered backend keys.
func (r Registry) Backends() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}
