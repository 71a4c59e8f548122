package quantize

import "github.com/gomlx/fxquant/fxgraph"

// QConfig describes one per-tensor affine quantization scheme.
type QConfig struct {
	QuantMin  int
	QuantMax  int
	Symmetric bool // zero point fixed at the middle of the range.
}

// DefaultQConfig returns the signed int8 per-tensor affine scheme.
func DefaultQConfig() *QConfig {
	return &QConfig{QuantMin: -128, QuantMax: 127}
}

// QConfigMapping selects which quantization scheme applies to which layer:
// a global default plus per-module-type overrides. A nil override entry
// disables quantization for that module type.
type QConfigMapping struct {
	global       *QConfig
	byModuleType map[string]*QConfig
}

// NewQConfigMapping returns an empty mapping: nothing is quantized until a
// global or per-type config is set.
func NewQConfigMapping() *QConfigMapping {
	return &QConfigMapping{byModuleType: make(map[string]*QConfig)}
}

// SetGlobal sets the default scheme for all quantizable nodes.
func (m *QConfigMapping) SetGlobal(cfg *QConfig) *QConfigMapping {
	m.global = cfg
	return m
}

// SetModuleType overrides the scheme for nodes originating from the given
// module type. Passing nil disables quantization for that type.
func (m *QConfigMapping) SetModuleType(moduleType string, cfg *QConfig) *QConfigMapping {
	m.byModuleType[moduleType] = cfg
	return m
}

// configFor resolves the scheme for a node given its originating scope.
func (m *QConfigMapping) configFor(scope Scope) *QConfig {
	if cfg, ok := m.byModuleType[scope.Type]; ok {
		return cfg
	}
	return m.global
}

// BackendConfig declares which primitive op targets the target backend can
// quantize.
type BackendConfig struct {
	quantizable map[fxgraph.Target]bool
}

// NewBackendConfig returns an empty backend configuration.
func NewBackendConfig() *BackendConfig {
	return &BackendConfig{quantizable: make(map[fxgraph.Target]bool)}
}

// WithQuantizableOp marks an op target as quantizable.
func (c *BackendConfig) WithQuantizableOp(target fxgraph.Target) *BackendConfig {
	c.quantizable[target] = true
	return c
}

// DefaultBackendConfig returns a backend configuration quantizing
// convolutions.
func DefaultBackendConfig() *BackendConfig {
	return NewBackendConfig().WithQuantizableOp(fxgraph.OpConvolution)
}
