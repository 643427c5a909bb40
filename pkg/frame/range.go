// Copyright 2024 FrameFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package frame implements exact-decimal frame range expansion. A job's
// (start, end, by) triple is turned into the ordered set of frame numbers
// its tasks will cover. Decimal arithmetic is used throughout so that
// repeated expansions of the same range are byte-identical, with no binary
// float drift across many steps.
package frame

import (
	"github.com/framefarm/framefarm/pkg/errors"
	"github.com/shopspring/decimal"
)

// Range is a frame range as submitted with a job. By is the frame increment,
// sometimes called 'step' by other software.
type Range struct {
	Start decimal.Decimal
	End   decimal.Decimal
	By    decimal.Decimal
}

// NewRange builds a Range from exact decimal string representations.
// It fails on malformed input but performs no range validation, see Validate.
func NewRange(start, end, by string) (Range, error) {
	var (
		r   Range
		err error
	)
	if r.Start, err = decimal.NewFromString(start); err != nil {
		return r, errors.Trace(err)
	}
	if r.End, err = decimal.NewFromString(end); err != nil {
		return r, errors.Trace(err)
	}
	if r.By, err = decimal.NewFromString(by); err != nil {
		return r, errors.Trace(err)
	}
	return r, nil
}

// Validate checks that the range can produce at least one frame.
func (r Range) Validate() error {
	if r.End.LessThan(r.Start) || !r.By.IsPositive() {
		return errors.ErrInvalidRange.GenWithStackByArgs(
			r.Start.String(), r.End.String(), r.By.String())
	}
	return nil
}

// Expand returns the ordered frame set start, start+by, start+2*by, ...
// truncated at the last value <= end. A valid range always yields at least
// one frame (the start frame itself).
func (r Range) Expand() ([]decimal.Decimal, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	var frames []decimal.Decimal
	for cur := r.Start; !cur.GreaterThan(r.End); cur = cur.Add(r.By) {
		frames = append(frames, cur)
	}
	return frames, nil
}

// Diff computes the set difference between an old expansion and a new one.
// toAdd holds frames present only in newFrames, toRemove frames present only
// in oldFrames. Order within each slice follows the input order.
func Diff(oldFrames, newFrames []decimal.Decimal) (toAdd, toRemove []decimal.Decimal) {
	oldSet := frameSet(oldFrames)
	newSet := frameSet(newFrames)

	for _, f := range newFrames {
		if _, ok := oldSet[f.String()]; !ok {
			toAdd = append(toAdd, f)
		}
	}
	for _, f := range oldFrames {
		if _, ok := newSet[f.String()]; !ok {
			toRemove = append(toRemove, f)
		}
	}
	return toAdd, toRemove
}

func frameSet(frames []decimal.Decimal) map[string]struct{} {
	set := make(map[string]struct{}, len(frames))
	for _, f := range frames {
		// String() of a decimal is canonical for equal values parsed from
		// the same column type, so it is safe as a set key.
		set[f.String()] = struct{}{}
	}
	return set
}

// Tiles returns the tile indices for a single frame partitioned into
// numTiles sub-units, or [nil] when tiling is not in use. The indices are
// stable so that a (frame, tile) pair identifies a task.
func Tiles(numTiles *int) []*int {
	if numTiles == nil || *numTiles <= 1 {
		return []*int{nil}
	}
	tiles := make([]*int, *numTiles)
	for i := 0; i < *numTiles; i++ {
		tile := i
		tiles[i] = &tile
	}
	return tiles
}
