package gauss

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/gogpu/naga"
)

// WGSL versions of the pipeline kernels for hardware backends. They operate
// on r32float planes.
var (
	//go:embed shaders/horiz.wgsl
	horizShaderWGSL string

	//go:embed shaders/vert.wgsl
	vertShaderWGSL string

	//go:embed shaders/vert_all.wgsl
	vertAllShaderWGSL string

	//go:embed shaders/dog.wgsl
	dogShaderWGSL string
)

// ErrUnknownShader is returned for a shader name not in ShaderNames.
var ErrUnknownShader = errors.New("gauss: unknown shader")

var shaderSources = map[string]string{
	"horiz":    horizShaderWGSL,
	"vert":     vertShaderWGSL,
	"vert_all": vertAllShaderWGSL,
	"dog":      dogShaderWGSL,
}

// ShaderNames lists the available shaders in pipeline order.
func ShaderNames() []string {
	return []string{"horiz", "vert", "vert_all", "dog"}
}

// ShaderSource returns the WGSL source of a shader.
func ShaderSource(name string) (string, error) {
	src, ok := shaderSources[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownShader, name)
	}
	return src, nil
}

// CompileSPIRV compiles a shader to SPIR-V words.
func CompileSPIRV(name string) ([]uint32, error) {
	src, err := ShaderSource(name)
	if err != nil {
		return nil, err
	}

	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to compile shader %s: %w", name, err)
	}

	// SPIR-V is little-endian 32-bit words
	spirvCode := make([]uint32, len(spirvBytes)/4)
	for i := range spirvCode {
		spirvCode[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	slogger().Debug("gauss: compiled shader", "name", name, "words", len(spirvCode))
	return spirvCode, nil
}
