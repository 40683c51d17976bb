package omr

import (
	"image"
	"image/draw"
	"sort"

	"github.com/sunshineplan/imgconv"

	"github.com/pavelanni/omrgrader/internal/model"
)

// Params controls binarization and blob filtering.
type Params struct {
	// Threshold is the fixed intensity cutoff; pixels at or below it are marks.
	Threshold uint8
	// MinArea is the noise floor; blobs with area at or below it are dropped.
	MinArea   int
	MultiMark MultiMarkPolicy
}

// Cell is a detected mark located on the logical grid.
type Cell struct {
	Row int
	Col int
}

type blob struct {
	area int
	sumX int
	sumY int
}

// DetectMarks finds filled bubbles in img and maps each one to a cell of a
// rows x cols grid. Cells are returned in row-major order. An empty raster or
// a grid finer than the raster yields no cells.
func DetectMarks(img image.Image, rows, cols int, p Params) []Cell {
	if img == nil || rows <= 0 || cols <= 0 {
		return nil
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil
	}
	rowHeight := h / rows
	colWidth := w / cols
	if rowHeight == 0 || colWidth == 0 {
		return nil
	}

	mask := binarize(img, p.Threshold)
	fillHoles(mask, w, h)

	var cells []Cell
	for _, bl := range label(mask, w, h) {
		if bl.area <= p.MinArea {
			continue
		}
		cx := bl.sumX / bl.area
		cy := bl.sumY / bl.area
		row := cy / rowHeight
		col := cx / colWidth
		if row < 0 || row >= rows || col < 0 || col >= cols {
			continue
		}
		cells = append(cells, Cell{Row: row, Col: col})
	}

	sort.SliceStable(cells, func(i, j int) bool {
		if cells[i].Row != cells[j].Row {
			return cells[i].Row < cells[j].Row
		}
		return cells[i].Col < cells[j].Col
	})
	return cells
}

// DecodeRows resolves row-major cells into one mark per row. Every row starts
// unmarked; the first column seen in a row wins. Under MultiMarkFlag a second,
// different column in the same row turns that row into model.MarkMultiple.
// Columns without a label decode to model.MarkNone.
func DecodeRows(cells []Cell, rows int, labels []model.Mark, policy MultiMarkPolicy) map[int]model.Mark {
	out := make(map[int]model.Mark, rows)
	first := make(map[int]int, rows)
	for r := 0; r < rows; r++ {
		out[r] = model.MarkNone
	}
	for _, c := range cells {
		if c.Row < 0 || c.Row >= rows {
			continue
		}
		col, seen := first[c.Row]
		if !seen {
			first[c.Row] = c.Col
			out[c.Row] = labelFor(labels, c.Col)
			continue
		}
		if policy == MultiMarkFlag && col != c.Col {
			out[c.Row] = model.MarkMultiple
		}
	}
	return out
}

// DecodeGrid runs DetectMarks and DecodeRows over one resized region.
// An empty raster yields an empty mapping.
func DecodeGrid(img image.Image, rows int, labels []model.Mark, p Params) map[int]model.Mark {
	if img == nil || img.Bounds().Empty() {
		return map[int]model.Mark{}
	}
	cells := DetectMarks(img, rows, len(labels), p)
	return DecodeRows(cells, rows, labels, p.MultiMark)
}

func labelFor(labels []model.Mark, col int) model.Mark {
	if col < 0 || col >= len(labels) {
		return model.MarkNone
	}
	return labels[col]
}

// binarize converts img to single-channel intensity and marks every pixel at
// or below threshold as foreground.
func binarize(img image.Image, threshold uint8) []bool {
	b := img.Bounds()
	gray, ok := img.(*image.Gray)
	if !ok {
		if gray, ok = imgconv.ToGray(img).(*image.Gray); !ok {
			gray = image.NewGray(b)
			draw.Draw(gray, b, img, b.Min, draw.Src)
		}
	}
	w, h := b.Dx(), b.Dy()
	mask := make([]bool, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for x, v := range row {
			mask[y*w+x] = v <= threshold
		}
	}
	return mask
}

// fillHoles turns background enclosed by foreground into foreground, so that
// only the outer outline of a blob counts. Background is 4-connected.
func fillHoles(mask []bool, w, h int) {
	outside := make([]bool, len(mask))
	stack := make([]int, 0, 2*(w+h))
	push := func(i int) {
		if !mask[i] && !outside[i] {
			outside[i] = true
			stack = append(stack, i)
		}
	}
	for x := 0; x < w; x++ {
		push(x)
		push((h-1)*w + x)
	}
	for y := 0; y < h; y++ {
		push(y * w)
		push(y*w + w - 1)
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		if x > 0 {
			push(i - 1)
		}
		if x < w-1 {
			push(i + 1)
		}
		if y > 0 {
			push(i - w)
		}
		if y < h-1 {
			push(i + w)
		}
	}
	for i := range mask {
		if !mask[i] && !outside[i] {
			mask[i] = true
		}
	}
}

// label groups 8-connected foreground pixels into blobs and accumulates their
// zeroth and first order moments.
func label(mask []bool, w, h int) []blob {
	visited := make([]bool, len(mask))
	var blobs []blob
	var stack []int
	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}
		var bl blob
		visited[start] = true
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			bl.area++
			bl.sumX += x
			bl.sumY += y
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w || (dx == 0 && dy == 0) {
						continue
					}
					j := ny*w + nx
					if mask[j] && !visited[j] {
						visited[j] = true
						stack = append(stack, j)
					}
				}
			}
		}
		blobs = append(blobs, bl)
	}
	return blobs
}
