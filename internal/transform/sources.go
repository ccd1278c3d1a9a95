package transform

import (
	"os"
	"strings"

	"github.com/droppr/mediaedge/internal/backend"
)

// OriginalSource points at the untranscoded file.
type OriginalSource struct {
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// RenditionSource is one derived variant; Size is only known once the
// artifact exists.
type RenditionSource struct {
	URL   string `json:"url"`
	Ready bool   `json:"ready"`
	Size  int64  `json:"size,omitempty"`
}

// PrepareStatus reports what happened to a preparation request. Started
// lists the renditions this request actually launched, as opposed to ones
// found running or already cached.
type PrepareStatus struct {
	Requested bool     `json:"requested"`
	Started   []string `json:"started,omitempty"`
}

// VideoSourcesResponse is the negotiation payload for one video file.
type VideoSourcesResponse struct {
	Share    string          `json:"share"`
	Path     string          `json:"path"`
	Original OriginalSource  `json:"original"`
	Fast     RenditionSource `json:"fast"`
	HD       RenditionSource `json:"hd"`
	Prepare  PrepareStatus   `json:"prepare"`
}

func artifactSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// VideoSources describes the playable variants of f. The fast URL goes
// through the on-demand proxy route; the HD URL points straight at the
// cache artifact and is only fetchable once Ready. When prepare is set,
// background production of every requested rendition is kicked off; an
// empty or unrecognized target set means hd.
func (s *Service) VideoSources(f ShareFile, prepare bool, targets []string) *VideoSourcesResponse {
	base := "/api/share/" + f.Hash
	encoded := backend.EncodePath(f.Path)

	fastPath, fastReady := s.FastReady(f)
	hdPath, hdReady := s.HDReady(f)

	resp := &VideoSourcesResponse{
		Share: f.Hash,
		Path:  f.Path,
		Original: OriginalSource{
			URL:  base + "/file/" + encoded,
			Size: f.Size,
		},
		Fast: RenditionSource{
			URL:   base + "/proxy/" + encoded,
			Ready: fastReady,
		},
		HD: RenditionSource{
			URL:   "/api/proxy-cache/" + s.HDKey(f) + ".mp4",
			Ready: hdReady,
		},
	}
	if fastReady {
		resp.Fast.Size = artifactSize(fastPath)
	}
	if hdReady {
		resp.HD.Size = artifactSize(hdPath)
	}

	if prepare {
		resp.Prepare.Requested = true
		for _, target := range normalizeTargets(targets) {
			switch {
			case target == RenditionHD && !hdReady:
				if s.PrepareHD(f) {
					resp.Prepare.Started = append(resp.Prepare.Started, RenditionHD)
				}
			case target == RenditionFast && !fastReady:
				if s.PrepareFast(f) {
					resp.Prepare.Started = append(resp.Prepare.Started, RenditionFast)
				}
			}
		}
	}
	return resp
}

// normalizeTargets parses a requested rendition set. Entries may be comma
// separated; unknown names are dropped, duplicates collapse, and an empty
// result falls back to hd.
func normalizeTargets(raw []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, entry := range raw {
		for _, name := range strings.Split(entry, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			if (name == RenditionFast || name == RenditionHD) && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	if len(out) == 0 {
		return []string{RenditionHD}
	}
	return out
}
