package detect

import (
	"strings"

	"github.com/Sriram-PR/site-audit/pkg/config"
	"github.com/Sriram-PR/site-audit/pkg/models"
)

// Deduction is one rubric line applied to a page
type Deduction struct {
	Reason string `json:"reason"`
	Points int    `json:"points"`
}

// Grade is the on-page score of a single page
type Grade struct {
	URL        string      `json:"url"`
	Score      int         `json:"score"`
	Letter     string      `json:"letter"`
	Deductions []Deduction `json:"deductions"`
}

// GradePage scores a page from 100 down using the rubric's point deductions.
// A non-200 page only receives the non-200 deduction.
func GradePage(page *models.Page, rubric config.GradeRubric) Grade {
	g := Grade{URL: page.URL, Score: 100}
	deduct := func(reason string, points int) {
		if points <= 0 {
			return
		}
		g.Deductions = append(g.Deductions, Deduction{Reason: reason, Points: points})
		g.Score -= points
	}

	sig := &page.Signals
	if page.StatusCode != 200 {
		deduct("Non-200 status", rubric.Non200)
	} else {
		switch n := charCount(sig.Title); {
		case n == 0:
			deduct("Missing title", rubric.MissingTitle)
		case n < TitleMinChars || n > TitleMaxChars:
			deduct("Title length outside 30-60 characters", rubric.BadTitleLength)
		}
		switch n := charCount(sig.MetaDescription); {
		case n == 0:
			deduct("Missing meta description", rubric.MissingDescription)
		case n < DescriptionMinChars || n > DescriptionMaxChars:
			deduct("Meta description length outside 70-160 characters", rubric.BadDescLength)
		}
		switch len(sig.H1) {
		case 0:
			deduct("Missing H1", rubric.MissingH1)
		case 1:
		default:
			deduct("Multiple H1", rubric.MultipleH1)
		}
		if strings.TrimSpace(sig.Canonical) == "" {
			deduct("Missing canonical", rubric.MissingCanonical)
		}
		if sig.WordCount < ThinContentWords {
			deduct("Thin content", rubric.ThinContent)
		}
		if sig.TextRatio < LowTextRatioPercent {
			deduct("Low text ratio", rubric.LowTextRatio)
		}
		if sig.ImagesMissingAlt() > 0 {
			deduct("Images without alt", rubric.ImagesWithoutAlt)
		}
		if sig.Noindex() {
			deduct("Noindex", rubric.Noindex)
		}
	}

	g.Score = max(g.Score, 0)
	g.Letter = Letter(g.Score)
	return g
}

// Letter maps a score to A-F
func Letter(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	}
	return "F"
}
