package rim

import (
	"encoding/csv"
	"os"
	"strconv"
)

// Statistics accumulates the per-epoch course of a training run.
type Statistics struct {
	Epochs     []int
	TrainCost  []float32
	ValCost    []float32
	ChiSquared []float32
	Rates      []float64
}

func MakeStatistics() Statistics {
	return Statistics{
		Epochs:     make([]int, 0, 64),
		TrainCost:  make([]float32, 0, 64),
		ValCost:    make([]float32, 0, 64),
		ChiSquared: make([]float32, 0, 64),
		Rates:      make([]float64, 0, 64),
	}
}

// Update records one epoch: the averaged training cost and the validation
// report, with the learning rate the epoch ran at.
func (s *Statistics) Update(epoch int, trainCost float32, val Report, rate float64) {
	s.Epochs = append(s.Epochs, epoch)
	s.TrainCost = append(s.TrainCost, trainCost)
	s.ValCost = append(s.ValCost, val.Cost)
	s.ChiSquared = append(s.ChiSquared, val.ChiSquared)
	s.Rates = append(s.Rates, rate)
}

// Dump writes the run history as CSV.
func (s *Statistics) Dump(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write([]string{"epoch", "train_cost", "val_cost", "chi2", "rate"}); err != nil {
		return err
	}
	var records [][]string
	for i, epoch := range s.Epochs {
		records = append(records, []string{
			strconv.Itoa(epoch),
			strconv.FormatFloat(float64(s.TrainCost[i]), 'f', 6, 32),
			strconv.FormatFloat(float64(s.ValCost[i]), 'f', 6, 32),
			strconv.FormatFloat(float64(s.ChiSquared[i]), 'f', 6, 32),
			strconv.FormatFloat(s.Rates[i], 'g', 6, 64),
		})
	}
	if err := w.WriteAll(records); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
