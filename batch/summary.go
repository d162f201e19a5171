package batch

import "shielded/model"

// Summary tallies a finished batch.
type Summary struct {
	Total     int   `json:"total"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Canceled  int   `json:"canceled"`
	Fallbacks int   `json:"ai_fallbacks"`
	BytesIn   int64 `json:"bytes_in"`
	BytesOut  int64 `json:"bytes_out"`
}

func Summarize(results []model.ProcessedFile) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		s.BytesIn += r.Input.SizeBytes
		switch r.Status {
		case model.StatusCompleted:
			s.Completed++
			if r.Output != nil {
				s.BytesOut += r.Output.SizeBytes
			}
			if r.Report != nil && r.Report.AnalysisSource == model.SourceFallback {
				s.Fallbacks++
			}
		case model.StatusFailed:
			s.Failed++
			if r.Error == model.ErrCanceled.Error() {
				s.Canceled++
			}
		}
	}
	return s
}
