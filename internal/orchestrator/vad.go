package orchestrator

import "time"

// speechDetector tracks whether the caller is talking from frame energy
// alone. It runs whether or not the system is speaking and feeds the
// no-input timer and the recognition latency of caller turns.
type speechDetector struct {
	minRMS   float64
	minStart int // consecutive loud frames to start
	hangover int // consecutive quiet frames to end

	speaking     bool
	consecSpeech int
	nonSpeech    int
	startedAt    time.Time
}

func newSpeechDetector(minRMS float64) *speechDetector {
	return &speechDetector{minRMS: minRMS, minStart: 3, hangover: 15}
}

func (d *speechDetector) feed(rms float64, now time.Time) (started, ended bool) {
	if !d.speaking {
		if rms >= d.minRMS {
			d.consecSpeech++
			if d.consecSpeech >= d.minStart {
				d.speaking = true
				d.nonSpeech = 0
				d.startedAt = now
				metricVADStarts.Inc()
				return true, false
			}
		} else {
			d.consecSpeech = 0
		}
		return false, false
	}

	if rms < d.minRMS {
		d.nonSpeech++
		if d.nonSpeech >= d.hangover {
			d.speaking = false
			d.consecSpeech = 0
			d.nonSpeech = 0
			d.startedAt = time.Time{}
			metricVADEnds.Inc()
			return false, true
		}
	} else {
		d.nonSpeech = 0
	}
	return false, false
}
