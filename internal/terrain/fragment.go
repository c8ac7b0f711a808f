package terrain

// Fragment splits rec into pieces of at most maxPayload pixels that cover it
// exactly once, in row-major order. Records that already fit are returned
// unchanged; empty records produce nothing.
//
// A record no wider than maxPayload is cut into full-width strips of
// maxPayload/W rows. A wider one is cut into bands of min(H, maxPayload)
// rows, and each band left to right into maxPayload/bandHeight columns.
func Fragment(rec Record, maxPayload int) []Record {
	if rec.W <= 0 || rec.H <= 0 {
		return nil
	}
	if maxPayload <= 0 || rec.Area() <= maxPayload {
		return []Record{rec}
	}

	if rec.W <= maxPayload {
		rows := maxPayload / rec.W
		out := make([]Record, 0, (rec.H+rows-1)/rows)
		for y := 0; y < rec.H; y += rows {
			piece := rec
			piece.Y = rec.Y + y
			piece.H = min(rows, rec.H-y)
			out = append(out, piece)
		}
		return out
	}

	var out []Record
	for y := 0; y < rec.H; {
		bandH := min(rec.H-y, maxPayload)
		cols := maxPayload / bandH
		for x := 0; x < rec.W; x += cols {
			piece := rec
			piece.X = rec.X + x
			piece.Y = rec.Y + y
			piece.W = min(cols, rec.W-x)
			piece.H = bandH
			out = append(out, piece)
		}
		y += bandH
	}
	return out
}
