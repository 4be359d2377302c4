package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/capup/capup-engine/internal/asset"
	"github.com/capup/capup-engine/internal/job"
	"github.com/capup/capup-engine/internal/logging"
	"github.com/capup/capup-engine/internal/timeline"
)

// Exporter renders a timeline snapshot into a CMX3600 EDL artifact, the
// render manifest a downstream encode collaborator consumes.
type Exporter struct {
	store  *asset.Store
	logger *slog.Logger
}

func NewExporter(store *asset.Store, logger *slog.Logger) *Exporter {
	return &Exporter{store: store, logger: logger}
}

func (e *Exporter) Kind() job.Kind { return job.KindExport }

type renderClip struct {
	channel   string
	name      string
	mediaPath string
	srcInMs   int64
	srcOutMs  int64
	recInMs   int64
	recOutMs  int64
}

func (e *Exporter) Execute(ctx context.Context, j *job.Job) (*job.Result, error) {
	snap := j.Input.Snapshot
	if snap == nil {
		return nil, job.Invalid(fmt.Errorf("export job needs a timeline snapshot"))
	}

	fps := frameRateFor(j.Input.Quality)
	clips, err := e.resolveClips(ctx, snap)
	if err != nil {
		return nil, err
	}
	if len(clips) == 0 {
		return nil, job.Invalid(fmt.Errorf("timeline has no segments to export"))
	}

	edl := generateEDL(clips, snap.ProjectID, fps)
	artifact, err := e.store.Put(ctx, snap.ProjectID, []byte(edl), asset.KindRender, 0)
	if err != nil {
		return nil, fmt.Errorf("store render manifest: %w", err)
	}

	payload, err := json.Marshal(ExportManifest{
		Format:    j.Input.Format,
		Quality:   j.Input.Quality,
		ClipCount: len(clips),
	})
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	if e.logger != nil {
		logging.WithJobID(e.logger, j.ID).Info("export rendered", "clips", len(clips), "fps", fps)
	}
	return &job.Result{AssetID: artifact.ID, Payload: payload}, nil
}

// resolveClips flattens the snapshot's tracks into EDL events, looking up
// each segment's blob path. Every checkpoint between segments honors ctx.
func (e *Exporter) resolveClips(ctx context.Context, snap *timeline.Timeline) ([]renderClip, error) {
	var clips []renderClip
	for _, tr := range snap.Tracks {
		channel := channelFor(tr.Kind)
		if channel == "" {
			continue // captions burn in downstream, not EDL events
		}
		for _, seg := range tr.Segments {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			a, err := e.store.Stat(ctx, seg.AssetID)
			if err != nil {
				return nil, fmt.Errorf("resolve segment %s: %w", seg.ID, err)
			}
			clips = append(clips, renderClip{
				channel:   channel,
				name:      seg.ID,
				mediaPath: a.Path,
				srcInMs:   seg.SourceInMs,
				srcOutMs:  seg.SourceOutMs,
				recInMs:   seg.StartMs,
				recOutMs:  seg.EndMs,
			})
		}
	}
	return clips, nil
}

func channelFor(kind timeline.TrackKind) string {
	switch kind {
	case timeline.TrackVideo:
		return "V"
	case timeline.TrackAudio:
		return "A"
	}
	return ""
}

func frameRateFor(quality string) float64 {
	switch strings.ToLower(quality) {
	case "cinema":
		return 23.976
	case "broadcast":
		return 29.97
	case "high":
		return 60
	default:
		return 30
	}
}

func generateEDL(clips []renderClip, title string, frameRate float64) string {
	fps := int(math.Round(frameRate))
	if fps <= 0 {
		fps = 30
	}

	isDropFrame := math.Abs(frameRate-29.97) < 0.01 || math.Abs(frameRate-59.94) < 0.01

	lines := []string{fmt.Sprintf("TITLE: %s", title)}
	if isDropFrame {
		lines = append(lines, "FCM: DROP FRAME")
	} else {
		lines = append(lines, "FCM: NON-DROP FRAME")
	}
	lines = append(lines, "")

	for i, clip := range clips {
		srcIn := msToTimecode(clip.srcInMs, fps)
		srcOut := msToTimecode(clip.srcOutMs, fps)
		recIn := msToTimecode(clip.recInMs, fps)
		recOut := msToTimecode(clip.recOutMs, fps)

		lines = append(lines,
			fmt.Sprintf("%03d  %-8s %-5s C        %s %s %s %s", i+1, "AX", clip.channel, srcIn, srcOut, recIn, recOut),
			fmt.Sprintf("* FROM CLIP NAME:  %s", clip.name),
			fmt.Sprintf("* MEDIA PATH:  %s", clip.mediaPath),
		)
	}

	lines = append(lines, "")
	return strings.Join(lines, "\n")
}

func msToTimecode(ms int64, fps int) string {
	totalFrames := int(math.Round(float64(ms) * float64(fps) / 1000.0))
	frames := totalFrames % fps
	totalSeconds := totalFrames / fps
	seconds := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	minutes := totalMinutes % 60
	hours := totalMinutes / 60
	return fmt.Sprintf("%02d:%02d:%02d:%02d", hours, minutes, seconds, frames)
}
