/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package classifier

// DecisionThreshold is the minimum Uninfected probability for an Uninfected
// prediction. It comes from ROC analysis on held-out data.
const DecisionThreshold = 0.672

const (
	ClassUninfected  = 0
	ClassParasitized = 1
)

var ClassNames = [2]string{"Uninfected", "Parasitized"}

// Probabilities holds (p_uninfected, p_parasitized).
type Probabilities [2]float64

// NewProbabilities pairs the sigmoid output p with its complement.
func NewProbabilities(p float64) Probabilities {
	return Probabilities{p, 1 - p}
}

// Decide applies the asymmetric threshold. This is not an argmax: [0.5, 0.5]
// and anything up to 0.672 Uninfected is Parasitized.
func Decide(probs Probabilities) int {
	if probs[ClassUninfected] >= DecisionThreshold {
		return ClassUninfected
	}
	return ClassParasitized
}

type Result struct {
	Prediction    string        `json:"prediction"`
	ClassIndex    int           `json:"class_index"`
	Probabilities Probabilities `json:"probabilities"`
}

func NewResult(probs Probabilities) *Result {
	idx := Decide(probs)
	return &Result{
		Prediction:    ClassNames[idx],
		ClassIndex:    idx,
		Probabilities: probs,
	}
}

// Confidence is the probability of the predicted class.
func (r *Result) Confidence() float64 {
	return r.Probabilities[r.ClassIndex]
}
