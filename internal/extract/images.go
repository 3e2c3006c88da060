package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
)

// maxArchivePart bounds how much of a single archive entry is read.
const maxArchivePart = 64 << 20

func readArchiveFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, maxArchivePart))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

func archiveHas(zr *zip.Reader, name string) bool {
	for _, f := range zr.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

// archiveImages describes every media part under prefix. Dimensions are
// filled in for formats the imaging package can decode.
func archiveImages(zr *zip.Reader, prefix, source string) []ImageInfo {
	var images []ImageInfo
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, prefix) || strings.HasSuffix(f.Name, "/") {
			continue
		}
		info := ImageInfo{
			Name:      f.Name,
			Format:    strings.TrimPrefix(strings.ToLower(path.Ext(f.Name)), "."),
			SizeBytes: int64(f.UncompressedSize64),
			Source:    source,
		}
		if data, err := readArchiveFile(zr, f.Name); err == nil {
			if img, err := imaging.Decode(bytes.NewReader(data)); err == nil {
				b := img.Bounds()
				info.Width, info.Height = b.Dx(), b.Dy()
			}
		}
		images = append(images, info)
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	return images
}
