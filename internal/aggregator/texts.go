package aggregator

// Texts are the user-visible strings of a reply.
type Texts struct {
	// TranscriptLabel and SummaryLabel head the two reply sections.
	TranscriptLabel string `yaml:"transcript_label"`
	SummaryLabel    string `yaml:"summary_label"`

	// TranscriptionFailed replaces the transcript when speech-to-text failed.
	TranscriptionFailed string `yaml:"transcription_failed"`

	// SummarizationFailed replaces the summary when summarisation failed or
	// was skipped because there was no transcript.
	SummarizationFailed string `yaml:"summarization_failed"`

	// NoSpeech replaces both sections when nothing was recognised.
	NoSpeech string `yaml:"no_speech"`

	// Apology is sent alone when the voice message could not be processed
	// at all.
	Apology string `yaml:"apology"`
}

// DefaultTexts returns the built-in reply strings.
func DefaultTexts() Texts {
	return Texts{
		TranscriptLabel:     "**Transcription:**",
		SummaryLabel:        "**Summary:**",
		TranscriptionFailed: "Error processing the audio.",
		SummarizationFailed: "Error summarizing the text.",
		NoSpeech:            "(no speech detected)",
		Apology:             "Sorry, I encountered an error processing your message.",
	}
}

// WithDefaults returns t with every empty field taken from [DefaultTexts].
func (t Texts) WithDefaults() Texts {
	d := DefaultTexts()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&t.TranscriptLabel, d.TranscriptLabel)
	fill(&t.SummaryLabel, d.SummaryLabel)
	fill(&t.TranscriptionFailed, d.TranscriptionFailed)
	fill(&t.SummarizationFailed, d.SummarizationFailed)
	fill(&t.NoSpeech, d.NoSpeech)
	fill(&t.Apology, d.Apology)
	return t
}

// Compose lays out a reply:
//
//	**Transcription:**
//	<transcript>
//
//	**Summary:**
//	<summary>
func (t Texts) Compose(transcript, summary string) string {
	return t.TranscriptLabel + "\n" + transcript + "\n\n" + t.SummaryLabel + "\n" + summary
}
