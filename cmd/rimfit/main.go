// rimfit trains a recurrent inference machine on synthetic lenses and
// writes checkpoints plus reconstruction snapshots.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"

	"gorgonia.org/tensor"

	"github.com/asterope/rim"
	"github.com/asterope/rim/physics"
	"github.com/asterope/rim/viz"
)

// Params are the tunable hyperparameters. A JSON file given with -config
// overrides the defaults; flags override the file.
type Params struct {
	Steps        int     `json:"steps"`
	Pixels       int     `json:"pixels"`
	SourcePixels int     `json:"source_pixels"`
	BatchSize    int     `json:"batch_size"`
	ImageFOV     float64 `json:"image_fov"`
	SourceFOV    float64 `json:"source_fov"`
	Method       string  `json:"method"`
	SourceLink   string  `json:"source_link"`
	KappaLink    string  `json:"kappa_link"`
	Adaptive     bool    `json:"adaptive"`

	Mode       string  `json:"mode"`
	LearnRate  float64 `json:"learn_rate"`
	DecayRate  float64 `json:"decay_rate"`
	DecaySteps int     `json:"decay_steps"`
	Clip       float64 `json:"clip"`
	StepWeight string  `json:"step_weight"`

	Epochs   int     `json:"epochs"`
	Batches  int     `json:"batches_per_epoch"`
	Patience int     `json:"patience"`
	NoiseRMS float64 `json:"noise_rms"`
	Seed     int64   `json:"seed"`
}

func defaults() Params {
	return Params{
		Steps:        8,
		Pixels:       64,
		SourcePixels: 32,
		BatchSize:    4,
		ImageFOV:     7.68,
		SourceFOV:    3.0,
		Method:       "conv2d",
		SourceLink:   "identity",
		KappaLink:    "exponential",
		Adaptive:     true,
		Mode:         "truncated",
		LearnRate:    1e-4,
		DecayRate:    0.9,
		DecaySteps:   500,
		Clip:         5,
		StepWeight:   "uniform",
		Epochs:       20,
		Batches:      50,
		Patience:     5,
		NoiseRMS:     0.01,
		Seed:         42,
	}
}

func main() {
	configFile := flag.String("config", "", "JSON hyperparameter file")
	out := flag.String("out", "run", "output directory")
	epochs := flag.Int("epochs", 0, "override epoch count")
	snapshots := flag.Bool("snapshots", true, "write reconstruction PNGs per epoch")
	flag.Parse()

	p := defaults()
	if *configFile != "" {
		raw, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("read config: %v", err)
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Fatalf("parse config: %v", err)
		}
	}
	if *epochs > 0 {
		p.Epochs = *epochs
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		log.Fatalf("mkdir: %v", err)
	}
	saveParams(filepath.Join(*out, "hparams.json"), p)

	rng := rand.New(rand.NewSource(p.Seed))
	method, err := physics.ParseMethod(p.Method)
	if err != nil {
		log.Fatal(err)
	}
	lens, err := physics.NewLens(physics.LensConfig{
		Pixels:       p.Pixels,
		SourcePixels: p.SourcePixels,
		ImageFOV:     p.ImageFOV,
		SourceFOV:    p.SourceFOV,
		Method:       method,
	})
	if err != nil {
		log.Fatal(err)
	}

	conf, tconf, err := buildConfigs(p)
	if err != nil {
		log.Fatal(err)
	}
	engine, err := rim.New(conf, lens)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()
	trainer, err := rim.NewTrainer(tconf, engine)
	if err != nil {
		log.Fatal(err)
	}
	defer trainer.Close()

	psf := physics.GaussianPSF(p.BatchSize, 9, 2.0)
	renderer := viz.NewRenderer()

	stats := rim.MakeStatistics()
	best := float32(0)
	haveBest := false
	stale := 0
	for epoch := 0; epoch < p.Epochs; epoch++ {
		var trainCost float32
		for b := 0; b < p.Batches; b++ {
			obs, src, kap := makeBatch(rng, lens, p, psf)
			rep, err := trainer.FitBatch(obs, src, kap)
			if err == rim.ErrDiverged {
				log.Printf("epoch %d batch %d diverged, skipping", epoch, b)
				continue
			}
			if err != nil {
				log.Fatalf("epoch %d batch %d: %+v", epoch, b, err)
			}
			trainCost += rep.Cost
		}
		trainCost /= float32(p.Batches)

		obs, src, kap := makeBatch(rng, lens, p, psf)
		val, err := trainer.Validate(obs, src, kap)
		if err != nil {
			log.Fatalf("validate: %+v", err)
		}
		log.Printf("epoch %d: train %.6f val %.6f chi2 %.4f rate %.2g",
			epoch, trainCost, val.Cost, val.ChiSquared, trainer.Rate())
		stats.Update(epoch, trainCost, val, trainer.Rate())

		if *snapshots {
			if err := snapshot(renderer, engine, lens, obs, src, kap, filepath.Join(*out, fmt.Sprintf("epoch%03d.png", epoch))); err != nil {
				log.Printf("snapshot: %v", err)
			}
		}

		if !haveBest || val.Cost < best {
			best = val.Cost
			haveBest = true
			stale = 0
			if err := engine.Model().Save(filepath.Join(*out, "rim.model")); err != nil {
				log.Fatalf("checkpoint: %+v", err)
			}
		} else if stale++; stale >= p.Patience {
			log.Printf("no improvement in %d epochs, stopping", p.Patience)
			break
		}
	}
	if err := stats.Dump(filepath.Join(*out, "history.csv")); err != nil {
		log.Printf("dump history: %v", err)
	}
	log.Printf("best validation cost %.6f", best)
}

func buildConfigs(p Params) (rim.Config, rim.TrainConfig, error) {
	sourceLink, err := rim.ParseLink(p.SourceLink)
	if err != nil {
		return rim.Config{}, rim.TrainConfig{}, err
	}
	kappaLink, err := rim.ParseLink(p.KappaLink)
	if err != nil {
		return rim.Config{}, rim.TrainConfig{}, err
	}
	mode, err := rim.ParseMode(p.Mode)
	if err != nil {
		return rim.Config{}, rim.TrainConfig{}, err
	}
	stepW, err := rim.ParseStepWeighting(p.StepWeight)
	if err != nil {
		return rim.Config{}, rim.TrainConfig{}, err
	}

	conf := rim.DefaultConf(p.Steps, p.BatchSize, p.SourcePixels, p.Pixels)
	conf.SourceLink = sourceLink
	conf.KappaLink = kappaLink
	conf.Adaptive = p.Adaptive

	tconf := rim.TrainConfig{
		Mode: mode,
		Loss: rim.Loss{
			Steps:  stepW,
			Source: rim.PixelUniform,
			Kappa:  rim.PixelUniform,
		},
		LearnRate: p.LearnRate,
		Clip:      float32(p.Clip),
	}
	if p.DecaySteps > 0 {
		tconf.Decay = &rim.ExponentialDecay{
			Initial:    p.LearnRate,
			DecayRate:  p.DecayRate,
			DecaySteps: p.DecaySteps,
			Staircase:  true,
		}
	}
	return conf, tconf, nil
}

// makeBatch simulates one batch of lensed observations with known truth.
func makeBatch(rng *rand.Rand, lens *physics.Lens, p Params, psf *tensor.Dense) (rim.Observation, *tensor.Dense, *tensor.Dense) {
	x0 := (rng.Float64() - 0.5) * p.SourceFOV / 4
	y0 := (rng.Float64() - 0.5) * p.SourceFOV / 4
	sigma := 0.1 + rng.Float64()*0.3
	amp := 0.5 + rng.Float64()
	thetaE := 1.0 + rng.Float64()*1.5

	src := physics.GaussianSource(p.BatchSize, p.SourcePixels, p.SourceFOV, x0, y0, sigma, amp)
	kap := physics.IsothermalKappa(p.BatchSize, p.Pixels, p.ImageFOV, thetaE, 0.1)
	sim, err := lens.Forward(src, kap, psf)
	if err != nil {
		log.Fatalf("simulate: %+v", err)
	}
	data := sim.Data().([]float32)
	for i := range data {
		data[i] += float32(rng.NormFloat64() * p.NoiseRMS)
	}
	noise := make([]float32, p.BatchSize)
	for i := range noise {
		noise[i] = float32(p.NoiseRMS)
	}
	return rim.Observation{Lens: sim, NoiseRMS: noise, PSF: psf}, src, kap
}

// snapshot renders truth, reconstruction and residual panels for sample 0.
func snapshot(r *viz.Renderer, engine *rim.RIM, lens *physics.Lens, obs rim.Observation, truthSrc, truthKap *tensor.Dense, filename string) error {
	src, kap, _, err := engine.Predict(obs)
	if err != nil {
		return err
	}
	resim, err := lens.Forward(src, kap, obs.PSF)
	if err != nil {
		return err
	}
	residual := resim.Clone().(*tensor.Dense)
	rd := residual.Data().([]float32)
	od := obs.Lens.Data().([]float32)
	for i := range rd {
		rd[i] -= od[i]
	}
	return r.RenderFile(filename,
		viz.Panel{Title: "observed", Data: obs.Lens},
		viz.Panel{Title: "model", Data: resim},
		viz.Panel{Title: "residual", Data: residual},
		viz.Panel{Title: "source", Data: src},
		viz.Panel{Title: "source truth", Data: truthSrc},
		viz.Panel{Title: "kappa", Data: kap},
		viz.Panel{Title: "kappa truth", Data: truthKap},
	)
}

func saveParams(filename string, p Params) {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		log.Fatalf("encode hparams: %v", err)
	}
	if err := os.WriteFile(filename, raw, 0o644); err != nil {
		log.Fatalf("write hparams: %v", err)
	}
}
