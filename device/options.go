package device

// CPUOption configures a CPU backend during creation.
type CPUOption func(*cpuOptions)

type cpuOptions struct {
	memoryLimit int64
	workers     int
}

// DefaultMemoryLimitMB is the default device memory budget of the CPU backend.
const DefaultMemoryLimitMB = 1024

func defaultCPUOptions() cpuOptions {
	return cpuOptions{
		memoryLimit: DefaultMemoryLimitMB * 1024 * 1024,
	}
}

// WithMemoryLimit sets the device memory budget in bytes. Linear device
// allocations and arrays count against it; host allocations do not.
// Non-positive values keep the default.
func WithMemoryLimit(bytes int64) CPUOption {
	return func(o *cpuOptions) {
		if bytes > 0 {
			o.memoryLimit = bytes
		}
	}
}

// WithWorkers sets the number of goroutines executing kernel blocks.
// Zero or negative uses GOMAXPROCS.
func WithWorkers(n int) CPUOption {
	return func(o *cpuOptions) {
		o.workers = n
	}
}

// CheckedOption configures a Checked layer during creation.
type CheckedOption func(*checkedOptions)

type checkedOptions struct {
	fatal  FatalHandler
	policy CheckPolicy
}

// WithFatalHandler replaces the handler that receives the first fault of
// every failing top-level operation. The default is [ExitHandler].
func WithFatalHandler(h FatalHandler) CheckedOption {
	return func(o *checkedOptions) {
		if h != nil {
			o.fatal = h
		}
	}
}

// WithCheckPolicy selects when kernel faults are detected.
func WithCheckPolicy(p CheckPolicy) CheckedOption {
	return func(o *checkedOptions) {
		o.policy = p
	}
}
