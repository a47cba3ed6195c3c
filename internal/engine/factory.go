package engine

import (
	"portfolio-guard/internal/types"
)

func New(th types.Thresholds) *Engine {
	return newEngine(th)
}
