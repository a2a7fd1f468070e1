// Package lrschedule implements the learning-rate schedules selectable by
// name from hyperparameters.
package lrschedule

import (
	"fmt"
	"math"
	"strconv"
)

const (
	NoamName = "noam_learning_rate_decay"
	StepName = "step_learning_rate_decay"

	DefaultWarmupSteps    = 4000
	DefaultAnnealRate     = 0.98
	DefaultAnnealInterval = 30000
)

// Kind selects a schedule variant.
type Kind int

const (
	KindNone Kind = iota
	KindNoam
	KindStep
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNoam:
		return NoamName
	case KindStep:
		return StepName
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Noam is the warmup-then-inverse-square-root schedule:
//
//	lr = initLR · w^0.5 · min(s·w^-1.5, s^-0.5), s = globalStep+1
func Noam(initLR float64, globalStep int, warmupSteps float64) float64 {
	step := float64(globalStep) + 1
	lr := initLR * math.Sqrt(warmupSteps) * math.Min(step*math.Pow(warmupSteps, -1.5), math.Pow(step, -0.5))
	return math.Max(lr, 0)
}

// StepDecay multiplies initLR by annealRate once every annealInterval steps.
func StepDecay(initLR float64, globalStep int, annealRate float64, annealInterval int) float64 {
	if annealInterval <= 0 {
		return math.Max(initLR, 0)
	}
	return math.Max(initLR*math.Pow(annealRate, float64(globalStep/annealInterval)), 0)
}

// Schedule is a closed choice of learning-rate schedule plus its parameters.
type Schedule struct {
	Kind           Kind
	WarmupSteps    float64
	AnnealRate     float64
	AnnealInterval int
}

// Rate returns the learning rate at globalStep.
func (s Schedule) Rate(initLR float64, globalStep int) float64 {
	switch s.Kind {
	case KindNoam:
		return Noam(initLR, globalStep, s.WarmupSteps)
	case KindStep:
		return StepDecay(initLR, globalStep, s.AnnealRate, s.AnnealInterval)
	default:
		return initLR
	}
}

// Parse maps a schedule name and its keyword arguments to a Schedule. An
// empty name selects a constant rate.
func Parse(name string, kwargs map[string]string) (Schedule, error) {
	s := Schedule{
		WarmupSteps:    DefaultWarmupSteps,
		AnnealRate:     DefaultAnnealRate,
		AnnealInterval: DefaultAnnealInterval,
	}

	allowed := map[string]bool{}
	switch name {
	case "", "none":
		s.Kind = KindNone
	case NoamName:
		s.Kind = KindNoam
		allowed["warmup_steps"] = true
	case StepName:
		s.Kind = KindStep
		allowed["anneal_rate"] = true
		allowed["anneal_interval"] = true
	default:
		return Schedule{}, fmt.Errorf("lrschedule: unknown schedule %q", name)
	}

	for k, v := range kwargs {
		if !allowed[k] {
			return Schedule{}, fmt.Errorf("lrschedule: %s does not accept %q", s.Kind, k)
		}
		switch k {
		case "warmup_steps":
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 {
				return Schedule{}, fmt.Errorf("lrschedule: invalid warmup_steps %q", v)
			}
			s.WarmupSteps = f
		case "anneal_rate":
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 0 {
				return Schedule{}, fmt.Errorf("lrschedule: invalid anneal_rate %q", v)
			}
			s.AnnealRate = f
		case "anneal_interval":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return Schedule{}, fmt.Errorf("lrschedule: invalid anneal_interval %q", v)
			}
			s.AnnealInterval = n
		}
	}
	return s, nil
}
