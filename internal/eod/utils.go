package eod

import (
	"path/filepath"
	"time"
)

const dayLayout = "2006-01-02"

func reportPath(dir string, day time.Time) string {
	return filepath.Join(dir, day.UTC().Format(dayLayout)+".csv")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
