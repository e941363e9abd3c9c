package concourse

import (
	"bufio"
	"strings"

	"ci-control-plane/internal/domain"
)

// fly builds prints one of two layouts depending on its version:
//
//	id  pipeline/job    build  status  start  end  duration  [team  created by]   (older fly)
//	id  pipeline/job/N  status  start  end  duration  [team  created by]          (newer fly)
//
// The layout is told apart per row by the number of segments in the name
// column. Pipeline and job names cannot contain a slash.
const (
	legacyColumns = 7
	namedColumns  = 6
)

// parseBuilds turns the whitespace-aligned output of `fly builds` into jobs.
// Short rows (blank lines, truncated output) and the optional header row
// are skipped.
func parseBuilds(output string) []domain.EngineJob {
	var jobs []domain.EngineJob

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if job, ok := parseBuildRow(strings.Fields(scanner.Text())); ok {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

func parseBuildRow(fields []string) (domain.EngineJob, bool) {
	if len(fields) < namedColumns || fields[0] == "id" {
		return domain.EngineJob{}, false
	}

	parts := strings.Split(fields[1], "/")
	switch {
	case len(parts) == 3:
		return domain.EngineJob{
			ID:       fields[0],
			Pipeline: parts[0],
			Job:      parts[1],
			Build:    parts[2],
			Status:   domain.EngineJobStatus(fields[2]),
			Start:    fields[3],
			End:      fields[4],
		}, true
	case len(parts) == 2 && len(fields) >= legacyColumns:
		return domain.EngineJob{
			ID:       fields[0],
			Pipeline: parts[0],
			Job:      parts[1],
			Build:    fields[2],
			Status:   domain.EngineJobStatus(fields[3]),
			Start:    fields[4],
			End:      fields[5],
		}, true
	}
	// one-off builds have no pipeline
	return domain.EngineJob{}, false
}
