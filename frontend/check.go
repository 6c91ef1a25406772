package frontend

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/tcassar-diss/portdrop/filter"
	"go.uber.org/zap"
)

var ErrUnsupportedLinkType = errors.New("unsupported link type")

// FrameVerdict is the outcome for one captured frame.
type FrameVerdict struct {
	Index    int            `json:"index"`
	Length   int            `json:"length"`
	Parsed   bool           `json:"parsed"`
	Headers  filter.Headers `json:"headers"`
	Protocol string         `json:"protocol,omitempty"`
	Verdict  filter.Verdict `json:"-"`
	Decision string         `json:"verdict"`
}

// Report summarises a Check run.
type Report struct {
	Frames  []FrameVerdict `json:"frames,omitempty"`
	Total   int            `json:"total"`
	Passed  int            `json:"passed"`
	Dropped int            `json:"dropped"`
}

// Check classifies every frame of an Ethernet pcap stream with the Go filter,
// matching the port from src. Nothing is loaded into the kernel.
func Check(logger *zap.SugaredLogger, r io.Reader, src filter.PortSource) (*Report, error) {
	rd, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}

	if lt := rd.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLinkType, lt)
	}

	f := filter.New(src)
	report := &Report{}

	for i := 0; ; i++ {
		data, _, err := rd.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read frame %d: %w", i, err)
		}

		h, parsed := filter.ParseHeaders(data)
		v := f.Classify(data)

		fv := FrameVerdict{
			Index:    i,
			Length:   len(data),
			Parsed:   parsed,
			Headers:  h,
			Verdict:  v,
			Decision: v.String(),
		}

		if parsed {
			fv.Protocol = h.Protocol.String()
		}

		report.Frames = append(report.Frames, fv)

		report.Total++

		if v == filter.Drop {
			report.Dropped++
		} else {
			report.Passed++
		}
	}

	logger.Infow("checked capture", "total", report.Total, "passed", report.Passed, "dropped", report.Dropped)

	return report, nil
}
