// Package muparquet exports a closed H5 dataset to a columnar Parquet
// file for downstream analysis tooling, supplementing the H5 recording
// pipeline with an analysis-friendly export path.
package muparquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/parquet-go"

	"github.com/distalsense/megamicro/internal/muh5"
)

// Row is one sample: its global sample index and one value per channel,
// in channel order, held in a single repeated "values" column.
type Row struct {
	Sample int64   `parquet:"sample"`
	Values []int32 `parquet:"values"`
}

// ExportDataset reads every dataset from an H5 file and writes them, one
// row per sample with every channel's value in that row's values list,
// to a Parquet file at out.
func ExportDataset(h5Path, out string) error {
	r, err := muh5.OpenReader(h5Path)
	if err != nil {
		return fmt.Errorf("open h5 for export: %w", err)
	}
	defer r.Close()

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create parquet output: %w", err)
	}
	defer f.Close()

	configStr := fmt.Sprintf(`{"channels":%d,"sampling_frequency":%f,"dataset_length":%d}`,
		r.Attrs.ChannelsNumber, r.Attrs.SamplingFrequency, r.Attrs.DatasetLength)

	writer := parquet.NewGenericWriter[Row](f, parquet.KeyValueMetadata("source_attrs", configStr))
	defer writer.Close()

	globalSample := int64(0)
	for {
		ds, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read dataset: %w", err)
		}

		channels := len(ds.Samples)
		length := 0
		if channels > 0 {
			length = len(ds.Samples[0])
		}
		rows := make([]Row, length)
		for s := 0; s < length; s++ {
			values := make([]int32, channels)
			for c := 0; c < channels; c++ {
				values[c] = ds.Samples[c][s]
			}
			rows[s] = Row{Sample: globalSample, Values: values}
			globalSample++
		}
		if _, err := writer.Write(rows); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
	}

	return nil
}
