// Command sspyramid builds one scale-space octave of an image and writes
// every level and difference plane to disk.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gogpu/scalespace"
	"github.com/gogpu/scalespace/device"
	"github.com/gogpu/scalespace/gauss"
	"github.com/gogpu/scalespace/internal/imageio"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file")
		input      = flag.String("input", "", "input image (PNG, JPEG, BMP or TIFF)")
		out        = flag.String("out", "pyramid", "output basename")
		levels     = flag.Int("levels", 6, "levels per octave")
		group      = flag.Int("group", 1, "levels per batched dispatch")
		format     = flag.String("format", "float", "sample format: float or unorm8")
		sigma0     = flag.Float64("sigma0", 1.6, "blur of the input image")
		scales     = flag.Int("scales", 3, "scales per octave")
		spirv      = flag.String("spirv", "", "directory to write the SPIR-V of every kernel to")
		verbose    = flag.Bool("v", false, "log resource and kernel activity")
	)
	flag.Parse()

	cfg := defaultFileConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loadFileConfig(*configPath); err != nil {
			log.Fatal(err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "input":
			cfg.Input = *input
		case "out":
			cfg.Out = *out
		case "levels":
			cfg.Levels = *levels
		case "group":
			cfg.GaussGroup = *group
		case "format":
			cfg.Format = *format
		case "sigma0":
			cfg.Sigma0 = *sigma0
		case "scales":
			cfg.Scales = *scales
		case "spirv":
			cfg.SPIRV = *spirv
		}
	})

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	scalespace.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cfg.SPIRV != "" {
		if err := writeSPIRV(cfg.SPIRV); err != nil {
			log.Fatal(err)
		}
	}
	if cfg.Input == "" {
		if cfg.SPIRV == "" {
			log.Fatal("no -input image")
		}
		return
	}

	paths, err := run(cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %d planes to %s-o%d-*", len(paths), cfg.Out, cfg.Octave)
}

// run builds one octave of cfg.Input and dumps it.
func run(cfg fileConfig) ([]string, error) {
	img, err := imageio.LoadGray(cfg.Input)
	if err != nil {
		return nil, err
	}
	w, h := img.Rect.Dx(), img.Rect.Dy()
	base := make([]float32, w*h)
	for i, v := range img.Pix {
		base[i] = device.DecodeUnorm8(v)
	}

	pc := scalespace.DefaultConfig()
	pc.Levels = cfg.Levels
	pc.GaussGroup = cfg.GaussGroup
	if cfg.MaxSpan > 0 {
		pc.MaxSpan = cfg.MaxSpan
	}
	if pc.Format, err = textureFormat(cfg.Format); err != nil {
		return nil, err
	}
	pc.Sigma = scalespace.SIFTSigma(cfg.Sigma0, cfg.Scales)

	var cpuOpts []device.CPUOption
	if cfg.Device.MemoryLimitMB > 0 {
		cpuOpts = append(cpuOpts, device.WithMemoryLimit(cfg.Device.MemoryLimitMB<<20))
	}
	if cfg.Device.Workers > 0 {
		cpuOpts = append(cpuOpts, device.WithWorkers(cfg.Device.Workers))
	}
	cpu := device.NewCPU(cpuOpts...)
	defer func() { _ = cpu.Close() }()

	policy := device.CheckLazy
	if cfg.Device.CheckAfterLaunch {
		policy = device.CheckAfterLaunch
	}
	dev := device.NewChecked(cpu, device.WithCheckPolicy(policy))

	o := scalespace.NewOctave(dev)
	o.DebugSetOctave(cfg.Octave)
	if err := o.Alloc(pc, w, h, pc.Levels, pc.GaussGroup); err != nil {
		return nil, err
	}
	defer func() { _ = o.Free() }()

	if err := o.UploadBase(base); err != nil {
		return nil, err
	}

	timer, err := dev.NewTimer(o.Stream())
	if err != nil {
		return nil, err
	}
	defer func() { _ = timer.Close() }()
	if err := timer.Start(); err != nil {
		return nil, err
	}
	if err := o.BuildScaleSpace(); err != nil {
		return nil, err
	}
	if err := timer.Stop(); err != nil {
		return nil, err
	}
	if _, err := timer.Report("build scale space"); err != nil {
		return nil, err
	}

	return o.DownloadAndSaveArray(cfg.Out, cfg.Octave)
}

// writeSPIRV compiles every kernel and writes it to dir as name.spv.
func writeSPIRV(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, name := range gauss.ShaderNames() {
		words, err := gauss.CompileSPIRV(name)
		if err != nil {
			return fmt.Errorf("compile %s: %w", name, err)
		}
		buf := make([]byte, 4*len(words))
		for i, word := range words {
			binary.LittleEndian.PutUint32(buf[4*i:], word)
		}
		path := filepath.Join(dir, name+".spv")
		if err := os.WriteFile(path, buf, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		log.Printf("wrote %s (%d words)", path, len(words))
	}
	return nil
}
