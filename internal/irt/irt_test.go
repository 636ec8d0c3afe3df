package irt

import (
	"math"
	"testing"
)

func valid(a, b, c float64) ItemParams {
	return ItemParams{A: a, B: b, C: c, Valid: true}
}

func TestPThreePLMatchesCForExtremeNegativeTheta(t *testing.T) {
	p := PThreePL(-25, 1.0, 0.0, 0.2)
	if math.Abs(p-0.2) > 1e-6 {
		t.Errorf("expected P to approach c=0.2 for theta << b, got %f", p)
	}
}

func TestPThreePLApproachesOneForExtremePositiveTheta(t *testing.T) {
	p := PThreePL(25, 1.0, 0.0, 0.2)
	if math.Abs(p-1.0) > 1e-6 {
		t.Errorf("expected P to approach 1 for theta >> b, got %f", p)
	}
}

func TestPThreePLAtDifficultyIsMidpointBetweenCAndOne(t *testing.T) {
	p := PThreePL(0.5, 1.0, 0.5, 0.2)
	want := 0.2 + 0.8*0.5
	if math.Abs(p-want) > 1e-9 {
		t.Errorf("expected P(theta=b) = %f, got %f", want, p)
	}
}

func TestPThreePLOrDefaultReturnsHalfWhenNotValid(t *testing.T) {
	p := PThreePLOrDefault(1.5, ItemParams{})
	if p != 0.5 {
		t.Errorf("expected 0.5 for uncalibrated item, got %f", p)
	}
}

func TestFisherInformationZeroWhenNotValid(t *testing.T) {
	if FisherInformation(0, ItemParams{}) != 0 {
		t.Errorf("expected 0 information for uncalibrated item")
	}
}

func TestFisherInformationPositiveNearDifficulty(t *testing.T) {
	info := FisherInformation(0.5, valid(1.2, 0.5, 0.1))
	if info <= 0 {
		t.Errorf("expected positive information near theta=b, got %f", info)
	}
}

func TestFisherInformationDecaysFarFromDifficulty(t *testing.T) {
	near := FisherInformation(0.0, valid(1.2, 0.0, 0.1))
	far := FisherInformation(6.0, valid(1.2, 0.0, 0.1))
	if far >= near {
		t.Errorf("expected information far from difficulty (%f) to be less than near (%f)", far, near)
	}
}

func TestUpdateThetaEmptyResponsesReturnsClampedPrior(t *testing.T) {
	theta, se := UpdateTheta(1.5, nil, 1.0)
	if theta != 1.5 {
		t.Errorf("expected theta unchanged at 1.5, got %f", theta)
	}
	if se != defaultSE {
		t.Errorf("expected SE=%f when no responses, got %f", defaultSE, se)
	}
}

func TestUpdateThetaClampsStartingPrior(t *testing.T) {
	theta, _ := UpdateTheta(10.0, nil, 1.0)
	if theta != 4.0 {
		t.Errorf("expected theta0 clamped to 4.0, got %f", theta)
	}
}

func TestUpdateThetaMovesUpAfterCorrectAnswerAboveAbility(t *testing.T) {
	responses := []Response{
		{Params: valid(1.2, 1.0, 0.2), Y: 1},
	}
	theta, se := UpdateTheta(0.0, responses, 1.0)
	if theta <= 0.0 {
		t.Errorf("expected theta to move up after a correct answer on a harder item, got %f", theta)
	}
	if se <= 0 || se > defaultSE {
		t.Errorf("expected a finite, non-default SE after one response, got %f", se)
	}
}

func TestUpdateThetaMovesDownAfterIncorrectAnswerBelowAbility(t *testing.T) {
	responses := []Response{
		{Params: valid(1.2, -1.0, 0.2), Y: 0},
	}
	theta, _ := UpdateTheta(0.0, responses, 1.0)
	if theta >= 0.0 {
		t.Errorf("expected theta to move down after an incorrect answer on an easier item, got %f", theta)
	}
}

func TestUpdateThetaIgnoresUncalibratedResponses(t *testing.T) {
	responses := []Response{
		{Params: ItemParams{}, Y: 1},
	}
	theta, se := UpdateTheta(0.25, responses, 1.0)
	if theta != 0.25 {
		t.Errorf("expected theta unchanged when only uncalibrated responses present, got %f", theta)
	}
	if se != defaultSE {
		t.Errorf("expected default SE when no calibrated information accrued, got %f", se)
	}
}

func TestUpdateThetaStaysWithinBounds(t *testing.T) {
	responses := make([]Response, 0, 50)
	for i := 0; i < 50; i++ {
		responses = append(responses, Response{Params: valid(1.5, 3.0, 0.1), Y: 1})
	}
	theta, _ := UpdateTheta(0.0, responses, 1.0)
	if theta < -4.0 || theta > 4.0 {
		t.Errorf("expected theta within [-4, 4], got %f", theta)
	}
}

func TestSEFromInformationFallsBackToDefaultBelowFloor(t *testing.T) {
	se := SEFromInformation(0, 1.0)
	if se != defaultSE {
		t.Errorf("expected default SE for zero information, got %f", se)
	}
}

func TestSEFromInformationDecreasesAsInformationGrows(t *testing.T) {
	low := SEFromInformation(0.5, 1.0)
	high := SEFromInformation(5.0, 1.0)
	if high >= low {
		t.Errorf("expected SE to shrink as information grows: low=%f high=%f", low, high)
	}
}
