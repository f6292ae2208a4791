package awg

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
)

// WriteFits streams rendered channels to w as a 64-bit float image with one
// row per channel.  Shorter rows are padded with their last sample.
func WriteFits(w io.Writer, name string, index int, sampleRate float64, chans []string, rows [][]float64) error {
	if len(rows) == 0 {
		return fmt.Errorf("segment %s has no channels", name)
	}
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	data := make([]float64, 0, width*len(rows))
	for _, r := range rows {
		data = append(data, r...)
		var last float64
		if len(r) > 0 {
			last = r[len(r)-1]
		}
		for i := len(r); i < width; i++ {
			data = append(data, last)
		}
	}

	cards := []fitsio.Card{
		{Name: "SEGMENT", Value: name, Comment: "segment name"},
		{Name: "INDEX", Value: index, Comment: "sweep point"},
		{Name: "RATE", Value: sampleRate, Comment: "sample rate, S/s"},
	}
	for i, ch := range chans {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("CH%d", i), Value: ch, Comment: "channel of row"})
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{width, len(rows)})
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	if err := im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}
