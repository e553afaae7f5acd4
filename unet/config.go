package unet

// Config configures the refinement network: the encoder/decoder convolution
// stages and the recurrent block at the bottleneck.
type Config struct {
	Channels int // input feature channels (estimate + gradient signal)
	Filters  int // filters at the first scale
	// FilterScaling multiplies the filter count at each downsampling level.
	// FilterCap bounds the result so deep configurations stay tractable.
	FilterScaling float64
	FilterCap     int

	KernelSize           int
	InputKernelSize      int
	BottleneckKernelSize int
	ResamplingKernelSize int
	GRUKernelSize        int

	Layers          int // number of downsampling levels
	BlockConvLayers int // convolutions per encoding/decoding stage
	Strides         int // downsampling factor per level

	Activation  Activation
	Initializer Initializer
	GRUArch     GRUArch

	BatchNorm   bool
	DropoutRate float64

	// UpsamplingInterpolation selects repeat-upsampling followed by a
	// smoothing convolution on the decoding path. When false the resampling
	// convolution alone restores the scale.
	UpsamplingInterpolation bool

	BatchSize int
}

// DefaultConf mirrors the hyperparameters the reconstruction was tuned with.
func DefaultConf(channels int) Config {
	return Config{
		Channels:             channels,
		Filters:              32,
		FilterScaling:        2,
		FilterCap:            1024,
		KernelSize:           3,
		InputKernelSize:      7,
		BottleneckKernelSize: 3,
		ResamplingKernelSize: 3,
		GRUKernelSize:        5,
		Layers:               2,
		BlockConvLayers:      2,
		Strides:              2,
		Activation:           ActivationTanh,
		Initializer:          InitGlorotUniform,
		GRUArch:              GRUConcat,
		BatchSize:            1,
	}
}

func (conf Config) IsValid() bool {
	return conf.Channels >= 1 &&
		conf.Filters >= 1 &&
		conf.FilterScaling >= 1 &&
		conf.FilterCap >= conf.Filters &&
		conf.KernelSize >= 1 &&
		conf.InputKernelSize >= 1 &&
		conf.BottleneckKernelSize >= 1 &&
		conf.ResamplingKernelSize >= 1 &&
		conf.GRUKernelSize >= 1 &&
		conf.Layers >= 0 &&
		conf.BlockConvLayers >= 1 &&
		conf.Strides >= 2 &&
		conf.DropoutRate >= 0 && conf.DropoutRate < 1 &&
		conf.BatchSize >= 1
}

// FiltersAt reports the filter count at downsampling level lvl.
func (conf Config) FiltersAt(lvl int) int {
	f := float64(conf.Filters)
	for i := 0; i < lvl; i++ {
		f *= conf.FilterScaling
	}
	n := int(f)
	if n > conf.FilterCap {
		n = conf.FilterCap
	}
	if n < 1 {
		n = 1
	}
	return n
}

// BottleneckFilters is the channel width of the recurrent block, hence half
// the channel width of the hidden state.
func (conf Config) BottleneckFilters() int { return conf.FiltersAt(conf.Layers) }

// Downsampling reports the total spatial reduction of the encoder path.
func (conf Config) Downsampling() int {
	d := 1
	for i := 0; i < conf.Layers; i++ {
		d *= conf.Strides
	}
	return d
}

// StateShape is the hidden-state shape for a field grid of the given size.
func (conf Config) StateShape(pixels int) []int {
	d := conf.Downsampling()
	return []int{conf.BatchSize, 2 * conf.BottleneckFilters(), pixels / d, pixels / d}
}
