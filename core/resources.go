package core

import (
	"encoding/binary"
	"strconv"
	"strings"
	"unicode/utf16"

	"pexpack/corelog"
)

const (
	resDirHeaderSize = 16
	resDirEntrySize  = 8
	resDataEntrySize = 16
	resHighBit       = 0x80000000
)

// ResNode is a decompressed resource-tree node: a directory (type, name,
// or language level) or a leaf (data entry), with a parent pointer the way
// pefile.cpp's upx_rnode/upx_rbranch/upx_rleaf hierarchy carries one
// (spec.md §3 "Resource tree").
type ResNode struct {
	IsLeaf   bool
	Named    bool
	Name     string // UTF-16LE-decoded, only when Named
	ID       uint32
	Depth    int
	Parent   *ResNode
	Children []*ResNode

	// Leaf-only fields.
	DataRVA  uint32
	DataSize uint32
	CodePage uint32

	// Pack-path classification (leaf-only).
	Keep       bool
	OrigOffset uint32
	NewOffset  uint32
}

// resourceType returns the numeric RT_* type of a leaf. The tree has three
// directory levels (root at depth 0 is just a container); the depth-1
// node is tagged with the entry that named it in the root, i.e. the
// resource type code.
func (n *ResNode) resourceType() ResourceType {
	cur := n
	for cur.Depth > 1 {
		cur = cur.Parent
	}
	return ResourceType(cur.ID)
}

// isFirstIconGroup reports whether n's depth-2 (name-level) ancestor is
// the first child of its type directory — the simplified stand-in for
// matching an RT_GROUP_ICON's icon-id list back to RT_ICON leaves
// (spec.md §4.10's "first icon group").
func (n *ResNode) isFirstIconGroup() bool {
	cur := n
	for cur.Depth > 2 {
		cur = cur.Parent
	}
	if cur.Parent == nil || len(cur.Parent.Children) == 0 {
		return false
	}
	return cur.Parent.Children[0] == cur
}

func utf16NameAt(image []byte, rsrcBase, rva uint32) (string, error) {
	off := int(rsrcBase + rva)
	if off+2 > len(image) {
		return "", newCantUnpack("resource name out of bounds")
	}
	length := int(binary.LittleEndian.Uint16(image[off : off+2]))
	start := off + 2
	end := start + length*2
	if end > len(image) {
		return "", newCantUnpack("resource name out of bounds")
	}
	units := make([]uint16, length)
	for i := 0; i < length; i++ {
		units[i] = binary.LittleEndian.Uint16(image[start+i*2 : start+i*2+2])
	}
	return string(utf16.Decode(units)), nil
}

// ParseResourceTree parses the three-level resource tree rooted at rsrcBase
// (spec.md §4.10 "Parse"). image must contain the whole resource section;
// rsrcBase is that section's own RVA (entry/name RVAs inside the tree are
// relative to it).
func ParseResourceTree(image []byte, rsrcBase uint32) (*ResNode, []*ResNode, error) {
	var leaves []*ResNode
	var walk func(off uint32, depth int, parent *ResNode) (*ResNode, error)
	walk = func(off uint32, depth int, parent *ResNode) (*ResNode, error) {
		absOff := int(rsrcBase + off)
		if absOff+resDirHeaderSize > len(image) {
			return nil, newCantUnpack("resource directory out of bounds")
		}
		named := int(binary.LittleEndian.Uint16(image[absOff+12 : absOff+14]))
		ids := int(binary.LittleEndian.Uint16(image[absOff+14 : absOff+16]))
		total := named + ids

		node := &ResNode{Depth: depth, Parent: parent}
		entOff := absOff + resDirHeaderSize
		for i := 0; i < total; i++ {
			eo := entOff + i*resDirEntrySize
			if eo+resDirEntrySize > len(image) {
				return nil, newCantUnpack("resource directory entry out of bounds")
			}
			nameField := binary.LittleEndian.Uint32(image[eo : eo+4])
			childField := binary.LittleEndian.Uint32(image[eo+4 : eo+8])

			child := &ResNode{Depth: depth + 1, Parent: node}
			if nameField&resHighBit != 0 {
				name, err := utf16NameAt(image, rsrcBase, nameField&^resHighBit)
				if err != nil {
					return nil, err
				}
				child.Named = true
				child.Name = name
			} else {
				child.ID = nameField
			}

			isSubdir := childField&resHighBit != 0
			childOff := childField &^ resHighBit

			if depth < 2 {
				if !isSubdir {
					return nil, newCantUnpack("resource entry at depth %d must reference a subdirectory", depth)
				}
				sub, err := walk(childOff, depth+1, node)
				if err != nil {
					return nil, err
				}
				sub.Named = child.Named
				sub.Name = child.Name
				sub.ID = child.ID
				node.Children = append(node.Children, sub)
			} else {
				if isSubdir {
					return nil, newCantUnpack("resource entry at leaf depth must reference data, not a subdirectory")
				}
				leafAbs := int(rsrcBase + childOff)
				if leafAbs+resDataEntrySize > len(image) {
					return nil, newCantUnpack("resource data entry out of bounds")
				}
				child.IsLeaf = true
				child.DataRVA = binary.LittleEndian.Uint32(image[leafAbs : leafAbs+4])
				child.DataSize = binary.LittleEndian.Uint32(image[leafAbs+4 : leafAbs+8])
				child.CodePage = binary.LittleEndian.Uint32(image[leafAbs+8 : leafAbs+12])
				child.OrigOffset = child.DataRVA
				node.Children = append(node.Children, child)
				leaves = append(leaves, child)
			}
		}
		return node, nil
	}

	root, err := walk(0, 0, nil)
	if err != nil {
		return nil, nil, err
	}
	return root, leaves, nil
}

// KeepResourceRule is one parsed clause of the --keep-resource pattern
// string (spec.md §6 "keep_resource (pattern string)"), format
// "type[/name],...". A clause with only a type matches every name under
// it.
type KeepResourceRule struct {
	Type     ResourceType
	HasType  bool
	TypeName string // set instead of Type when the clause names the type as a string
	Name     string
	HasName  bool
}

// ParseKeepResource parses the comma-separated clause list.
func ParseKeepResource(pattern string) []KeepResourceRule {
	if pattern == "" {
		return nil
	}
	var rules []KeepResourceRule
	for _, clause := range strings.Split(pattern, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		var r KeepResourceRule
		parts := strings.SplitN(clause, "/", 2)
		if n, err := strconv.ParseInt(parts[0], 0, 32); err == nil {
			r.Type = ResourceType(n)
			r.HasType = true
		} else {
			r.TypeName = parts[0]
		}
		if len(parts) == 2 {
			r.Name = parts[1]
			r.HasName = true
		}
		rules = append(rules, r)
	}
	return rules
}

// MatchKeepResource implements spec.md §8 property 5: the disjunction
// over comma-separated clauses, numeric clauses compared by value, string
// clauses by name equality.
func MatchKeepResource(rules []KeepResourceRule, rt ResourceType, name string) bool {
	for _, r := range rules {
		typeMatches := false
		if r.HasType {
			typeMatches = r.Type == rt
		} else {
			typeMatches = strings.EqualFold(r.TypeName, resourceTypeNames[rt])
		}
		if !typeMatches {
			continue
		}
		if !r.HasName {
			return true
		}
		if strings.EqualFold(r.Name, name) {
			return true
		}
	}
	return false
}

var resourceTypeNames = map[ResourceType]string{
	RTCursor: "RT_CURSOR", RTBitmap: "RT_BITMAP", RTIcon: "RT_ICON", RTMenu: "RT_MENU",
	RTDialog: "RT_DIALOG", RTString: "RT_STRING", RTFontDir: "RT_FONTDIR", RTFont: "RT_FONT",
	RTAccelerator: "RT_ACCELERATOR", RTRCData: "RT_RCDATA", RTMessageTable: "RT_MESSAGETABLE",
	RTGroupCursor: "RT_GROUP_CURSOR", RTGroupIcon: "RT_GROUP_ICON", RTVersion: "RT_VERSION",
	RTDlgInclude: "RT_DLGINCLUDE", RTPlugPlay: "RT_PLUGPLAY", RTVXD: "RT_VXD",
	RTAniCursor: "RT_ANICURSOR", RTAniIcon: "RT_ANIICON", RTHTML: "RT_HTML",
	RTManifest: "RT_MANIFEST", RTTypeLib: "RT_TYPELIB", RTRegistry: "RT_REGISTRY",
}

// alwaysExcludedTypes are never compressed regardless of policy (spec.md
// §4.10 "Always excluded").
var alwaysExcludedTypes = map[ResourceType]bool{
	RTTypeLib: true,
	RTRegistry: true,
	RTVersion:  true,
}

// ClassifyResources implements spec.md §4.10's "Classify" step: decides,
// per leaf, whether it is a kept (compressed into the side buffer) or
// left-in-place resource. Kept leaves have Keep=true.
func ClassifyResources(leaves []*ResNode, opts *Options, keepRules []KeepResourceRule, log *corelog.Logger) {
	for _, leaf := range leaves {
		rt := leaf.resourceType()
		name := leaf.Parent.Name
		if alwaysExcludedTypes[rt] {
			continue
		}
		if MatchKeepResource(keepRules, rt, name) {
			continue
		}

		keep := false
		switch rt {
		case RTIcon:
			switch opts.CompressIcons {
			case 0:
				keep = false
			case 1:
				keep = !leaf.isFirstIconGroup()
			default:
				keep = true
			}
		case RTGroupIcon:
			keep = opts.CompressIcons >= 3
		default:
			keep = opts.CompressRTFor(rt)
		}
		leaf.Keep = keep
	}
}

// RebuildResourcesPack implements spec.md §4.10's "Rebuild" for the pack
// path: kept leaves have their original blob appended, self-describing
// (origOffset+size prefixed), to a contiguous side buffer, newoffs
// recorded, and the original blob zeroed in image. DataRVA is already an
// RVA into the whole image (the PE format stores
// IMAGE_RESOURCE_DATA_ENTRY.OffsetToData that way, not relative to the
// resource section), so it is used directly rather than added to rsrcBase.
// The side buffer carries each record's length explicitly so
// RebuildResourcesUnpack can walk it on its own, without needing the
// Keep/NewOffset classification that only exists in the same in-process
// pack-time call.
func RebuildResourcesPack(image []byte, leaves []*ResNode) []byte {
	var side []byte
	for _, leaf := range leaves {
		if !leaf.Keep {
			continue
		}
		leaf.NewOffset = uint32(len(side))
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:], leaf.OrigOffset)
		binary.LittleEndian.PutUint32(hdr[4:], leaf.DataSize)
		side = append(side, hdr[:]...)
		start := int(leaf.DataRVA)
		end := start + int(leaf.DataSize)
		if start >= 0 && end <= len(image) {
			side = append(side, image[start:end]...)
			for i := start; i < end; i++ {
				image[i] = 0
			}
		}
	}
	return side
}

// RebuildResourcesUnpack is RebuildResourcesPack's inverse: it walks the
// self-describing side buffer record by record, writing each blob back to
// its recorded original offset. It needs nothing beyond image and side —
// no leaf list from the pack-time classification — since every record
// carries its own destination offset and length.
func RebuildResourcesUnpack(image []byte, side []byte) error {
	off := 0
	for off < len(side) {
		if off+8 > len(side) {
			return newCantUnpack("resource side buffer entry out of bounds")
		}
		origOffset := binary.LittleEndian.Uint32(side[off:])
		size := binary.LittleEndian.Uint32(side[off+4:])
		off += 8
		if off+int(size) > len(side) {
			return newCantUnpack("resource side buffer entry out of bounds")
		}
		blob := side[off : off+int(size)]
		off += int(size)
		dst := int(origOffset)
		if dst < 0 || dst+len(blob) > len(image) {
			return newCantUnpack("resource restore target out of bounds")
		}
		copy(image[dst:], blob)
	}
	return nil
}
