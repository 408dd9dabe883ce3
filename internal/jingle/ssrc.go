package jingle

import "strconv"

// SSRCInfo describes the first synchronization source a session announced
// for one media kind.
type SSRCInfo struct {
	SSRC    uint32
	CName   string
	MSID    string
	MSLabel string
	Label   string
}

// ExtractSSRCs returns the first valid SSRC announced per media kind.
// Sources with an unparseable ssrc attribute are skipped.
func ExtractSSRCs(j *Jingle) map[string]SSRCInfo {
	out := make(map[string]SSRCInfo)
	if j == nil {
		return out
	}
	for _, c := range j.Contents {
		d := c.Description
		if d == nil {
			continue
		}
		if d.Media != "audio" && d.Media != "video" {
			continue
		}
		if _, seen := out[d.Media]; seen {
			continue
		}
		for _, src := range d.Sources {
			ssrc, err := strconv.ParseUint(src.SSRC, 10, 32)
			if err != nil {
				continue
			}
			info := SSRCInfo{SSRC: uint32(ssrc)}
			for _, p := range src.Parameters {
				switch p.Name {
				case "cname":
					info.CName = p.Value
				case "msid":
					info.MSID = p.Value
				case "mslabel":
					info.MSLabel = p.Value
				case "label":
					info.Label = p.Value
				}
			}
			out[d.Media] = info
			break
		}
	}
	return out
}
