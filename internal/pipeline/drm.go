package pipeline

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jmylchreest/dashpipe/internal/demux"
	"github.com/jmylchreest/dashpipe/internal/media"
)

// legacyDRMScheme carries licence server URLs per DRM system as child elements.
const legacyDRMScheme = "http://youtube.com/drm/2012/10/10"

const urnUUIDPrefix = "urn:uuid:"

// Protection system IDs recognised as common encryption.
var cencSystems = map[uuid.UUID]string{
	uuid.MustParse("edef8ba9-79d6-4ace-a3c8-27dcd51d21ed"): "widevine",
	uuid.MustParse("9a04f079-9840-4286-ab92-e65be0885f95"): "playready",
	uuid.MustParse("e2719d58-a985-b3c9-781a-b030af78d30e"): "clearkey",
}

var errEmptyDescriptor = errors.New("content protection descriptor has no data")

// xmlNode is a generic XML element.
type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []xmlNode  `xml:",any"`
}

func (n xmlNode) attr(local string) (string, bool) {
	for _, a := range n.Attrs {
		if strings.EqualFold(a.Name.Local, local) {
			return a.Value, true
		}
	}
	return "", false
}

// cencSystemID returns the system ID of a urn:uuid scheme naming a known
// common-encryption system.
func cencSystemID(scheme string) (uuid.UUID, bool) {
	if len(scheme) <= len(urnUUIDPrefix) || !strings.EqualFold(scheme[:len(urnUUIDPrefix)], urnUUIDPrefix) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(scheme[len(urnUUIDPrefix):])
	if err != nil {
		return uuid.Nil, false
	}
	if _, ok := cencSystems[id]; !ok {
		return uuid.Nil, false
	}
	return id, true
}

// drmEvents holds what a media's content protection descriptors announce.
type drmEvents struct {
	initData     []media.DRMInitData
	descriptions []media.DRMDescription
}

// parseDRMs extracts DRM init data and licence descriptions from a media's
// content protection descriptors. Descriptors that cannot be parsed are
// skipped.
func parseDRMs(m *media.Media, st media.StreamType, logger *slog.Logger) drmEvents {
	var out drmEvents
	for _, cp := range m.ContentProtections {
		if id, ok := cencSystemID(cp.SchemeIDURI); ok {
			data, err := cencInitData(cp, id)
			if err != nil {
				logger.Warn("skipping content protection descriptor",
					slog.String("scheme", cp.SchemeIDURI),
					slog.String("error", err.Error()),
				)
				continue
			}
			data.StreamType = st
			out.initData = append(out.initData, data)
			continue
		}
		if strings.EqualFold(cp.SchemeIDURI, legacyDRMScheme) {
			descs, err := legacyDescriptions(cp, st)
			if err != nil {
				logger.Warn("skipping content protection descriptor",
					slog.String("scheme", cp.SchemeIDURI),
					slog.String("error", err.Error()),
				)
				continue
			}
			out.descriptions = append(out.descriptions, descs...)
		}
	}
	return out
}

// cencInitData decodes the base64 payload of the descriptor's first child
// element. When the payload is a pssh box its key IDs are reported too.
func cencInitData(cp media.ContentProtection, id uuid.UUID) (media.DRMInitData, error) {
	root, err := parseDescriptor(cp.Data)
	if err != nil {
		return media.DRMInitData{}, err
	}
	if len(root.Children) == 0 {
		return media.DRMInitData{}, errEmptyDescriptor
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(root.Children[0].Text))
	if err != nil {
		return media.DRMInitData{}, fmt.Errorf("decoding init data: %w", err)
	}
	data := media.DRMInitData{
		SystemID: id[:],
		InitData: payload,
	}
	if pssh, err := demux.ParsePSSH(payload); err == nil && bytes.Equal(pssh.SystemID, id[:]) {
		data.KeyIDs = pssh.KeyIDs
	}
	return data, nil
}

// legacyDescriptions reads one licence URL per DRM system from the
// descriptor's typed children.
func legacyDescriptions(cp media.ContentProtection, st media.StreamType) ([]media.DRMDescription, error) {
	root, err := parseDescriptor(cp.Data)
	if err != nil {
		return nil, err
	}
	var out []media.DRMDescription
	for _, child := range root.Children {
		typ, ok := child.attr("type")
		if !ok {
			continue
		}
		typ = strings.ToLower(typ)
		if typ != "widevine" && typ != "playready" {
			continue
		}
		out = append(out, media.DRMDescription{
			Scheme:     typ,
			LicenceURL: strings.TrimSpace(child.Text),
			StreamType: st,
		})
	}
	return out, nil
}

func parseDescriptor(data string) (xmlNode, error) {
	if strings.TrimSpace(data) == "" {
		return xmlNode{}, errEmptyDescriptor
	}
	var root xmlNode
	if err := xml.Unmarshal([]byte(data), &root); err != nil {
		return xmlNode{}, fmt.Errorf("parsing descriptor: %w", err)
	}
	return root, nil
}
