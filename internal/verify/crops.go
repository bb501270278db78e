package verify

import (
	"context"

	"github.com/saferide/backend/internal/ensemble"
	"github.com/saferide/backend/internal/registry"
	"github.com/saferide/backend/internal/store"
)

// Fold reasons recorded in voting details.
const (
	ReasonMajority       = "majority_agreement"
	ReasonBestCrop       = "best_single_crop"
	ReasonAllCropsFailed = "all_crops_failed"
	ReasonNoCropImages   = "no_crop_images"
)

// CropVote is one crop's row in the audit trail.
type CropVote struct {
	CropIndex       int     `json:"crop_index"`
	Student         string  `json:"student,omitempty"`
	ConfidenceScore float64 `json:"confidence_score"`
	ConfidenceLevel string  `json:"confidence_level"`
	Status          string  `json:"status"`
}

// VotingDetails explains how the per-crop verdicts were folded.
type VotingDetails struct {
	TotalCrops       int            `json:"total_crops"`
	VoteDistribution map[string]int `json:"vote_distribution"`
	Crops            []CropVote     `json:"crops"`
	Reason           string         `json:"reason"`
}

// AggregateResult is the event-level verdict across all crops.
type AggregateResult struct {
	Result
	VotingDetails VotingDetails `json:"voting_details"`
}

// Aggregate runs the consensus engine on each crop independently, then
// majority-votes the crop verdicts. Two crops agreeing on one student is
// worth more than one very confident crop, so agreement promotes a low
// confidence to medium.
func (e *Engine) Aggregate(ctx context.Context, crops []ensemble.Image, pop registry.Population) AggregateResult {
	out := AggregateResult{
		Result: Result{
			ConfidenceLevel: store.ConfidenceLow,
			Status:          store.VerificationFailed,
			ConfigVersion:   e.params.ConfigVersion,
		},
		VotingDetails: VotingDetails{
			TotalCrops:       len(crops),
			VoteDistribution: map[string]int{},
		},
	}

	if len(crops) == 0 {
		out.VotingDetails.Reason = ReasonNoCropImages
		return out
	}

	results := make([]Result, len(crops))
	for i, img := range crops {
		results[i] = e.Run(ctx, img, pop)
		out.VotingDetails.Crops = append(out.VotingDetails.Crops, CropVote{
			CropIndex:       i + 1,
			Student:         results[i].Student,
			ConfidenceScore: results[i].ConfidenceScore,
			ConfidenceLevel: results[i].ConfidenceLevel,
			Status:          results[i].Status,
		})
		if results[i].Student != "" {
			out.VotingDetails.VoteDistribution[results[i].Student]++
		}
	}

	// Majority: at least two crops naming the same student.
	majority := ""
	for student, n := range out.VotingDetails.VoteDistribution {
		if n >= 2 && (majority == "" || n > out.VotingDetails.VoteDistribution[majority] ||
			(n == out.VotingDetails.VoteDistribution[majority] && student < majority)) {
			majority = student
		}
	}

	if majority != "" {
		best := -1
		for i, r := range results {
			if r.Student == majority && (best < 0 || r.ConfidenceScore > results[best].ConfidenceScore) {
				best = i
			}
		}
		out.Result = results[best]
		out.Result.Student = majority
		out.Result.Status = store.VerificationVerified
		if out.Result.ConfidenceLevel == store.ConfidenceLow {
			out.Result.ConfidenceLevel = store.ConfidenceMedium
		}
		out.VotingDetails.Reason = ReasonMajority
		return out
	}

	// No majority: take the single most confident crop that produced
	// anything at all.
	best := -1
	for i, r := range results {
		if r.Student == "" && r.Status == store.VerificationFailed {
			continue
		}
		if best < 0 || r.ConfidenceScore > results[best].ConfidenceScore {
			best = i
		}
	}
	if best < 0 {
		out.VotingDetails.Reason = ReasonAllCropsFailed
		return out
	}
	out.Result = results[best]
	out.VotingDetails.Reason = ReasonBestCrop
	return out
}
