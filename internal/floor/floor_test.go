package floor

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

// feed sends one frame every 20ms in [fromMs, toMs) and returns the first stop decision.
func feed(m *Manager, rms float64, fromMs, toMs int) (Decision, int) {
	for ms := fromMs; ms < toMs; ms += 20 {
		if d := m.OnAudioLevel(rms, at(ms)); d.ShouldStop {
			return d, ms
		}
	}
	return Decision{}, -1
}

func TestBargeInAfterGraceWithTokens(t *testing.T) {
	f := New(DefaultParams())
	f.OnTTSStarted("u1", at(0))

	f.OnTranscript("wait wait I need to change the time to tomorrow", false, at(700))
	d, ms := feed(f, 2000, 700, 2000)
	if !d.ShouldStop || d.Reason != "barge_in" || d.StopUtteranceID != "u1" {
		t.Fatalf("expected stop on barge-in, got %+v", d)
	}
	if ms != 1000 {
		t.Fatalf("expected decision once hold elapsed at 1000ms, got %dms", ms)
	}
	if d.Latency > DefaultParams().Hold {
		t.Fatalf("latency %s exceeds hold bound", d.Latency)
	}
}

func TestGraceWindowBlocksInterruption(t *testing.T) {
	f := New(DefaultParams())
	f.OnTTSStarted("u1", at(0))
	if f.State(at(100)) != SpeakingSystem {
		t.Fatalf("expected SpeakingSystem inside grace, got %s", f.State(at(100)))
	}
	f.OnTranscript("hello hello hello hello", false, at(100))
	guard := 0
	for ms := 0; ms < 580; ms += 20 {
		d := f.OnAudioLevel(3000, at(ms))
		if d.ShouldStop {
			t.Fatalf("stopped inside grace window at %dms", ms)
		}
		if d.Reason == "guard" {
			guard++
		}
	}
	if guard == 0 {
		t.Fatalf("expected guard blocks to be reported")
	}
	if f.State(at(600)) != SpeakingInterruptible {
		t.Fatalf("expected SpeakingInterruptible after grace, got %s", f.State(at(600)))
	}
}

func TestNoiseWithoutTokensDoesNotInterrupt(t *testing.T) {
	f := New(DefaultParams())
	f.OnTTSStarted("u1", at(0))
	f.OnTranscript("uh", false, at(800))
	if d, _ := feed(f, 4000, 700, 2500); d.ShouldStop {
		t.Fatalf("cough with one token should not interrupt")
	}
}

func TestShortBurstDoesNotInterrupt(t *testing.T) {
	f := New(DefaultParams())
	f.OnTTSStarted("u1", at(0))
	f.OnTranscript("no no no no", false, at(700))
	if d, _ := feed(f, 4000, 700, 900); d.ShouldStop {
		t.Fatalf("200ms burst is shorter than hold")
	}
	if d, _ := feed(f, 10, 900, 1400); d.ShouldStop {
		t.Fatalf("silence must not complete a hold")
	}
}

func TestDropoutToleratedWithinHold(t *testing.T) {
	f := New(DefaultParams())
	f.OnTTSStarted("u1", at(0))
	f.OnTranscript("hold on one second please", false, at(650))
	feed(f, 2000, 700, 820)
	// 60ms dip, shorter than dropout
	feed(f, 10, 820, 880)
	d, ms := feed(f, 2000, 880, 1200)
	if !d.ShouldStop || ms != 1000 {
		t.Fatalf("expected hold to span the dip and stop at 1000ms, got %+v at %d", d, ms)
	}
}

func TestLateTokensStillInterrupt(t *testing.T) {
	f := New(DefaultParams())
	f.OnTTSStarted("u1", at(0))
	feed(f, 2000, 700, 1100)
	feed(f, 10, 1100, 1400)
	d := f.OnTranscript("actually can we do friday", false, at(1400))
	if !d.ShouldStop {
		t.Fatalf("tokens arriving after a satisfied hold should interrupt")
	}
}

func TestTTSStoppedClearsSpeaking(t *testing.T) {
	f := New(DefaultParams())
	f.OnTTSStarted("u1", at(0))
	f.OnTTSStopped("u1", at(500), "completed")
	f.OnTranscript("one two three four", false, at(700))
	if d, _ := feed(f, 3000, 700, 1500); d.ShouldStop {
		t.Fatalf("should not request stop after tts stopped")
	}
	if f.State(at(800)) != Idle {
		t.Fatalf("expected Idle, got %s", f.State(at(800)))
	}
}

func TestStaleStopIgnored(t *testing.T) {
	f := New(DefaultParams())
	f.OnTTSStarted("u1", at(0))
	f.OnTTSStarted("u2", at(100))
	f.OnTTSStopped("u1", at(150), "completed")
	if f.State(at(900)) != SpeakingInterruptible {
		t.Fatalf("stale stop for u1 must not end u2")
	}
}

func TestDecisionIssuedOnce(t *testing.T) {
	f := New(DefaultParams())
	f.OnTTSStarted("u1", at(0))
	f.OnTranscript("stop stop stop", false, at(700))
	if d, _ := feed(f, 2000, 700, 1100); !d.ShouldStop {
		t.Fatalf("expected a stop")
	}
	if d, _ := feed(f, 2000, 1100, 1500); d.ShouldStop {
		t.Fatalf("expected a single stop per utterance")
	}
}

func TestCountTokens(t *testing.T) {
	if n := CountTokens("  uh - ok, 3pm ... "); n != 3 {
		t.Fatalf("expected 3 tokens, got %d", n)
	}
}
