package vad

// ActivityRatio classifies samples frame by frame through the session and
// returns the fraction of frames containing speech, in [0, 1]. A trailing
// partial frame shorter than half a frame is ignored; longer remainders are
// classified as-is and rely on the session's padding behavior. Returns 0 for
// empty input or if every frame errors.
func ActivityRatio(sess SessionHandle, samples []int16, frameSamples int) float64 {
	if frameSamples <= 0 || len(samples) == 0 {
		return 0
	}

	var total, speech int
	for off := 0; off < len(samples); off += frameSamples {
		end := off + frameSamples
		if end > len(samples) {
			if len(samples)-off < frameSamples/2 {
				break
			}
			end = len(samples)
		}
		ev, err := sess.ProcessFrame(samples[off:end])
		if err != nil {
			continue
		}
		total++
		if ev.Speech() {
			speech++
		}
	}

	if total == 0 {
		return 0
	}
	return float64(speech) / float64(total)
}

// HasSpeech reports whether the speech-frame ratio of samples meets
// threshold. This is the chunk-level gate used to decide if audio is worth
// segmenting at all.
func HasSpeech(sess SessionHandle, samples []int16, frameSamples int, threshold float64) bool {
	return ActivityRatio(sess, samples, frameSamples) >= threshold
}
