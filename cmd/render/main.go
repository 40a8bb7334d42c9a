// Command render runs one image through the key pipeline offline and writes what a device
// would receive, or a viewable preview of it.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"deckbridge/pkg/device/virtual"
	"deckbridge/pkg/proto"
	"deckbridge/pkg/transcode"
)

var input = flag.StringP("input", "i", "", "source image (png, jpeg, bmp or raw square rgb/rgba)")
var output = flag.StringP("output", "o", "", "output file, extension added for previews")
var model = flag.StringP("model", "m", "mk2", "target device model")
var key = flag.IntP("key", "k", 0, "key index")
var preview = flag.Bool("preview", false, "write a viewable image instead of device bytes")
var quality = flag.Int("quality", 90, "jpeg quality")
var filter = flag.String("filter", "lanczos", "resample filter")
var debug = flag.Bool("debug", false, "set debug")

func main() {
	flag.Parse()

	var logger *zap.Logger
	if *debug {
		logger, _ = zap.NewDevelopment()
	} else {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	if err := render(afero.NewOsFs(), logger); err != nil {
		fmt.Fprintln(os.Stderr, "render:", err)
		os.Exit(1)
	}
}

func render(fs afero.Fs, logger *zap.Logger) error {
	if *input == "" || *output == "" {
		return errors.New("--input and --output are required")
	}

	m, err := proto.ParseModel(*model)
	if err != nil {
		return err
	}
	caps, ok := proto.CapabilitiesFor(m)
	if !ok {
		return errors.Errorf("model %s has no capabilities", m)
	}
	f, ok := transcode.FilterByName(*filter)
	if !ok {
		return errors.Errorf("unknown filter %q", *filter)
	}

	data, err := afero.ReadFile(fs, *input)
	if err != nil {
		return errors.Wrap(err, "read input")
	}

	pipeline := transcode.New(transcode.WithJPEGQuality(*quality), transcode.WithFilter(f))
	frame, err := pipeline.RenderKey(data, proto.SourceAuto, caps, *key)
	if err != nil {
		return err
	}
	logger.Debug("rendered", zap.Stringer("model", m), zap.Stringer("frame", frame), zap.Int("bytes", frame.Len()))

	out, path := frame.Data, *output
	if *preview {
		var ext string
		out, ext, err = virtual.Viewable(caps, frame)
		if err != nil {
			return err
		}
		path += ext
	}
	return errors.Wrap(afero.WriteFile(fs, path, out, 0o644), "write output")
}
