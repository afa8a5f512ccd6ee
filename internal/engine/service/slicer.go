// Copyright 2025 Harvex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/pkg/canonical"
)

// maxSlicesPerPlan is a hard guard against runaway strategy parameters.
const maxSlicesPerPlan = 10000

// Boundary is one slice's share of the plan window. Only the fields the
// strategy uses are set; the struct canonicalizes to the slice signature.
type Boundary struct {
	Type   model.SliceStrategy `json:"type"`
	From   string              `json:"from,omitempty"`
	To     string              `json:"to,omitempty"`
	FromId int64               `json:"fromId,omitempty"`
	ToId   int64               `json:"toId,omitempty"`
	Offset int64               `json:"offset,omitempty"`
	Budget int64               `json:"budget,omitempty"`
}

// SliceParams are the strategy parameters stored on the plan. The
// policy registry supplies most of them per provenance.
type SliceParams struct {
	SliceMinutes   int    `json:"sliceMinutes"`
	IdFrom         int64  `json:"idFrom"`
	IdTo           int64  `json:"idTo"`
	IdRangeSize    int64  `json:"idRangeSize"`
	VolumeBudget   int64  `json:"volumeBudget"`
	EstimatedTotal int64  `json:"estimatedTotal"`
	Landmark       string `json:"landmark"`
}

// ParseSliceParams decodes the plan's strategy parameter JSON.
func ParseSliceParams(raw []byte) (SliceParams, error) {
	var params SliceParams
	if len(raw) == 0 {
		return params, nil
	}
	if err := sonic.Unmarshal(raw, &params); err != nil {
		return params, fmt.Errorf("decode strategy params: %w", err)
	}
	return params, nil
}

// Slicer computes slice boundaries for one plan. Implementations must
// be deterministic: the same plan and params always produce the same
// boundaries in the same order.
type Slicer interface {
	Slice(plan *model.Plan, params SliceParams) ([]Boundary, error)
}

// NewSlicer returns the slicer for the given strategy.
func NewSlicer(strategy model.SliceStrategy) (Slicer, error) {
	switch strategy {
	case model.SliceStrategyTime:
		return timeSlicer{}, nil
	case model.SliceStrategyIDRange:
		return idRangeSlicer{}, nil
	case model.SliceStrategyCursorLandmark:
		return cursorLandmarkSlicer{}, nil
	case model.SliceStrategyVolumeBudget:
		return volumeBudgetSlicer{}, nil
	case model.SliceStrategyHybrid:
		return hybridSlicer{}, nil
	default:
		return nil, fmt.Errorf("unknown slice strategy %s: %w", strategy, model.ErrValidation)
	}
}

type timeSlicer struct{}

func (timeSlicer) Slice(plan *model.Plan, params SliceParams) ([]Boundary, error) {
	chunks, err := timeChunks(plan.WindowFrom, plan.WindowTo, params.SliceMinutes)
	if err != nil {
		return nil, err
	}
	boundaries := make([]Boundary, 0, len(chunks))
	for _, c := range chunks {
		boundaries = append(boundaries, Boundary{
			Type: model.SliceStrategyTime,
			From: canonical.FormatInstant(c.from),
			To:   canonical.FormatInstant(c.to),
		})
	}
	return boundaries, nil
}

type idRangeSlicer struct{}

func (idRangeSlicer) Slice(_ *model.Plan, params SliceParams) ([]Boundary, error) {
	if params.IdRangeSize <= 0 || params.IdTo <= params.IdFrom {
		return nil, fmt.Errorf("id range slicing needs idFrom < idTo and a positive idRangeSize: %w", model.ErrValidation)
	}
	span := params.IdTo - params.IdFrom
	count := (span + params.IdRangeSize - 1) / params.IdRangeSize
	if count > maxSlicesPerPlan {
		return nil, fmt.Errorf("id range would produce %d slices, limit is %d: %w", count, maxSlicesPerPlan, model.ErrValidation)
	}
	boundaries := make([]Boundary, 0, count)
	for from := params.IdFrom; from < params.IdTo; from += params.IdRangeSize {
		to := from + params.IdRangeSize
		if to > params.IdTo {
			to = params.IdTo
		}
		boundaries = append(boundaries, Boundary{
			Type:   model.SliceStrategyIDRange,
			FromId: from,
			ToId:   to,
		})
	}
	return boundaries, nil
}

// cursorLandmarkSlicer emits one slice covering everything from the
// current watermark up to the window end. The landmark comes from the
// cursor row at planning time; an empty landmark falls back to the
// window start (cold start).
type cursorLandmarkSlicer struct{}

func (cursorLandmarkSlicer) Slice(plan *model.Plan, params SliceParams) ([]Boundary, error) {
	from := params.Landmark
	if from == "" {
		from = canonical.FormatInstant(plan.WindowFrom)
	}
	return []Boundary{{
		Type: model.SliceStrategyCursorLandmark,
		From: from,
		To:   canonical.FormatInstant(plan.WindowTo),
	}}, nil
}

type volumeBudgetSlicer struct{}

func (volumeBudgetSlicer) Slice(_ *model.Plan, params SliceParams) ([]Boundary, error) {
	if params.VolumeBudget <= 0 || params.EstimatedTotal <= 0 {
		return nil, fmt.Errorf("volume budget slicing needs positive volumeBudget and estimatedTotal: %w", model.ErrValidation)
	}
	count := (params.EstimatedTotal + params.VolumeBudget - 1) / params.VolumeBudget
	if count > maxSlicesPerPlan {
		return nil, fmt.Errorf("volume budget would produce %d slices, limit is %d: %w", count, maxSlicesPerPlan, model.ErrValidation)
	}
	boundaries := make([]Boundary, 0, count)
	for offset := int64(0); offset < params.EstimatedTotal; offset += params.VolumeBudget {
		boundaries = append(boundaries, Boundary{
			Type:   model.SliceStrategyVolumeBudget,
			Offset: offset,
			Budget: params.VolumeBudget,
		})
	}
	return boundaries, nil
}

// hybridSlicer splits time on the outside and caps each chunk with the
// volume budget, so a dense window still cannot exceed the budget.
type hybridSlicer struct{}

func (hybridSlicer) Slice(plan *model.Plan, params SliceParams) ([]Boundary, error) {
	if params.VolumeBudget <= 0 {
		return nil, fmt.Errorf("hybrid slicing needs a positive volumeBudget: %w", model.ErrValidation)
	}
	chunks, err := timeChunks(plan.WindowFrom, plan.WindowTo, params.SliceMinutes)
	if err != nil {
		return nil, err
	}
	boundaries := make([]Boundary, 0, len(chunks))
	for _, c := range chunks {
		boundaries = append(boundaries, Boundary{
			Type:   model.SliceStrategyHybrid,
			From:   canonical.FormatInstant(c.from),
			To:     canonical.FormatInstant(c.to),
			Budget: params.VolumeBudget,
		})
	}
	return boundaries, nil
}

type timeChunk struct {
	from, to time.Time
}

func timeChunks(windowFrom, windowTo time.Time, sliceMinutes int) ([]timeChunk, error) {
	if sliceMinutes <= 0 {
		return nil, fmt.Errorf("time slicing needs a positive sliceMinutes: %w", model.ErrValidation)
	}
	step := time.Duration(sliceMinutes) * time.Minute
	span := windowTo.Sub(windowFrom)
	if count := int64(span / step); count > maxSlicesPerPlan {
		return nil, fmt.Errorf("window would produce %d slices, limit is %d: %w", count, maxSlicesPerPlan, model.ErrValidation)
	}
	var chunks []timeChunk
	for from := windowFrom; from.Before(windowTo); from = from.Add(step) {
		to := from.Add(step)
		if to.After(windowTo) {
			to = windowTo
		}
		chunks = append(chunks, timeChunk{from: from, to: to})
	}
	return chunks, nil
}
