package spam

import (
	"strings"
	"testing"
)

func TestScoreSumsTriggeredWeights(t *testing.T) {
	engine := NewEngine(nil, nil)

	verdicts := VerdictSet{
		VerdictSPF:  {Result: ResultFail},
		VerdictDKIM: {Result: ResultPass},
	}
	score, reasons := engine.Score(verdicts, "free money now")

	// SPF_FAIL (5) + DKIM_PASS (-2) + KEYWORD_SPAM (3)
	if score != 6 {
		t.Fatalf("expected score 6, got %d", score)
	}
	if len(reasons) != 3 {
		t.Fatalf("expected 3 reasons, got %d: %v", len(reasons), reasons)
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	engine := NewEngine(nil, nil)
	verdicts := VerdictSet{
		VerdictSPF:       {Result: ResultSoftFail},
		VerdictDMARC:     {Result: ResultFail},
		VerdictTLS:       {Result: ResultOff},
		VerdictBlocklist: {Hits: []string{"zen.spamhaus.org", "bl.example.net"}},
	}

	firstScore, firstReasons := engine.Score(verdicts, "hello")
	for i := 0; i < 10; i++ {
		score, reasons := engine.Score(verdicts, "hello")
		if score != firstScore {
			t.Fatalf("score changed between runs: %d vs %d", firstScore, score)
		}
		if strings.Join(reasons, "|") != strings.Join(firstReasons, "|") {
			t.Fatalf("reason order changed: %v vs %v", firstReasons, reasons)
		}
	}
}

func TestBlocklistTriggersOncePerSet(t *testing.T) {
	engine := NewEngine(nil, nil)

	one, _ := engine.Score(VerdictSet{VerdictBlocklist: {Hits: []string{"a"}}}, "")
	many, _ := engine.Score(VerdictSet{VerdictBlocklist: {Hits: []string{"a", "b", "c"}}}, "")
	if one != many {
		t.Fatalf("blocklist should count once: %d vs %d", one, many)
	}
	if one != 6 {
		t.Fatalf("expected blocklist weight 6, got %d", one)
	}
}

func TestEmptyVerdictsScoreZero(t *testing.T) {
	engine := NewEngine(nil, nil)
	score, reasons := engine.Score(VerdictSet{}, "quarterly report")
	if score != 0 {
		t.Fatalf("expected 0, got %d", score)
	}
	if len(reasons) != 0 {
		t.Fatalf("expected no reasons, got %v", reasons)
	}
}

func TestNegativeTotalStaysNegative(t *testing.T) {
	engine := NewEngine(nil, nil)
	score, _ := engine.Score(VerdictSet{VerdictDKIM: {Result: ResultPass}}, "")
	if score != -2 {
		t.Fatalf("expected -2, got %d", score)
	}
}

func TestReasonsCarryWeights(t *testing.T) {
	engine := NewEngine(nil, nil)
	_, reasons := engine.Score(VerdictSet{VerdictSPF: {Result: ResultSoftFail}}, "")
	if len(reasons) != 1 || reasons[0] != "SPF_SOFTFAIL (2.5)" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestParseWeightOverrides(t *testing.T) {
	weights, err := ParseWeightOverrides("SPF_FAIL=7, KEYWORD_SPAM=0.5")
	if err != nil {
		t.Fatal(err)
	}
	if weights[ReasonSPFFail] != 7 {
		t.Fatalf("override not applied: %v", weights[ReasonSPFFail])
	}
	if weights[ReasonKeywordSpam] != 0.5 {
		t.Fatalf("override not applied: %v", weights[ReasonKeywordSpam])
	}
	if weights[ReasonDKIMFail] != 3 {
		t.Fatalf("default lost: %v", weights[ReasonDKIMFail])
	}

	if _, err := ParseWeightOverrides("NOT_A_CODE=1"); err == nil {
		t.Fatal("expected error for unknown code")
	}
	if _, err := ParseWeightOverrides("SPF_FAIL"); err == nil {
		t.Fatal("expected error for malformed pair")
	}
}

func TestReputationScoreOverridesStaticWeight(t *testing.T) {
	engine := NewEngine(nil, nil)

	score, reasons := engine.Score(VerdictSet{
		VerdictReputation: {Result: ResultBad, Score: 7.5},
	}, "")
	if score != 8 { // 7.5 rounded
		t.Fatalf("score = %d, want 8", score)
	}
	if len(reasons) != 1 || reasons[0] != "REPUTATION_BAD (7.5)" {
		t.Fatalf("reasons = %v", reasons)
	}

	// Without a graded severity the static weight applies
	score, _ = engine.Score(VerdictSet{VerdictReputation: {Result: ResultBad}}, "")
	if score != 4 {
		t.Fatalf("score = %d, want 4", score)
	}
}

func TestSubjectKeywordCaseInsensitive(t *testing.T) {
	engine := NewEngine(nil, nil)
	score, _ := engine.Score(VerdictSet{}, "You are a WINNER")
	if score != 3 {
		t.Fatalf("expected keyword score 3, got %d", score)
	}
}
