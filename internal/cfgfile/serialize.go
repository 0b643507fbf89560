package cfgfile

import (
	"fmt"
	"strconv"
	"strings"
)

// Serialize renders cfg as canonical manifest text, the form written into
// a created archive's meta.conf. It follows the same scrubbing rules as
// the original's fwup_cfg_to_string: omit host-path/contents/skip-holes
// (archive-creation-only, and may contain host paths or be inlined as
// files instead), omit meta-uuid/meta-creation-date (recomputed by the
// reader), omit assert-* (create-time only), and omit unset/default
// fields -- but always emit "task" sections even when empty, since an
// empty task is a valid no-op a manifest author may rely on.
func Serialize(cfg *Config) string {
	var sb strings.Builder

	writeStr(&sb, "meta-product", cfg.Meta.Product)
	writeStr(&sb, "meta-description", cfg.Meta.Description)
	writeStr(&sb, "meta-version", cfg.Meta.Version)
	writeStr(&sb, "meta-author", cfg.Meta.Author)
	writeStr(&sb, "meta-platform", cfg.Meta.Platform)
	writeStr(&sb, "meta-architecture", cfg.Meta.Architecture)
	writeStr(&sb, "meta-fwup-version", cfg.Meta.FwupVersion)
	writeStr(&sb, "meta-vcs-identifier", cfg.Meta.VCSIdentifier)
	writeStr(&sb, "meta-misc", cfg.Meta.Misc)
	if cfg.RequireFwupVersion != "" && cfg.RequireFwupVersion != "0" {
		writeStr(&sb, "require-fwup-version", cfg.RequireFwupVersion)
	}

	for _, fr := range cfg.FileResources {
		fmt.Fprintf(&sb, "file-resource \"%s\" {\n", escape(fr.Name))
		if len(fr.Length) > 0 {
			writeIntList(&sb, "length", fr.Length)
		}
		if fr.Blake2b256 != "" {
			writeStr(&sb, "blake2b-256", fr.Blake2b256)
		}
		sb.WriteString("}\n")
	}

	for _, m := range cfg.MBRs {
		serializeMBR(&sb, m)
	}

	for _, g := range cfg.GPTs {
		serializeGPT(&sb, g)
	}

	for _, u := range cfg.UbootEnvironments {
		fmt.Fprintf(&sb, "uboot-environment \"%s\" {\n", escape(u.Name))
		if u.BlockOffset >= 0 {
			writeInt(&sb, "block-offset", u.BlockOffset)
		}
		writeInt(&sb, "block-count", u.BlockCount)
		if u.BlockOffsetRedund >= 0 {
			writeInt(&sb, "block-offset-redund", u.BlockOffsetRedund)
		}
		sb.WriteString("}\n")
	}

	for _, t := range cfg.Tasks {
		serializeTask(&sb, t)
	}

	return sb.String()
}

func serializeMBR(sb *strings.Builder, m *MBR) {
	fmt.Fprintf(sb, "mbr \"%s\" {\n", escape(m.Name))
	if m.BootstrapCode != "" {
		writeStr(sb, "bootstrap-code", m.BootstrapCode)
	}
	if m.IncludeOSIP {
		writeStr(sb, "include-osip", "true")
		writeInt(sb, "osip-major", int64(m.OSIPMajor))
		writeInt(sb, "osip-minor", int64(m.OSIPMinor))
		writeInt(sb, "osip-num-pointers", int64(m.OSIPNumPointers))
	}
	if m.Signature != "" {
		writeStr(sb, "signature", m.Signature)
	}
	for _, part := range m.Partitions {
		fmt.Fprintf(sb, "partition \"%d\" {\n", part.Index)
		writeStr(sb, "block-offset", part.BlockOffset)
		if part.BlockCount != -1 {
			writeInt(sb, "block-count", part.BlockCount)
		}
		if part.Type != -1 {
			writeInt(sb, "type", int64(part.Type))
		}
		if part.Boot {
			writeStr(sb, "boot", "true")
		}
		if part.Expand {
			writeStr(sb, "expand", "true")
		}
		sb.WriteString("}\n")
	}
	for _, osii := range m.OSII {
		fmt.Fprintf(sb, "osii \"%d\" {\n", osii.Index)
		writeInt(sb, "os-major", int64(osii.OSMajor))
		writeInt(sb, "os-minor", int64(osii.OSMinor))
		writeInt(sb, "start-block-offset", osii.StartBlockOffset)
		writeInt(sb, "ddr-load-address", osii.DDRLoadAddress)
		writeInt(sb, "entry-point", osii.EntryPoint)
		writeInt(sb, "image-size-blocks", osii.ImageSizeBlocks)
		writeInt(sb, "attribute", int64(osii.Attribute))
		sb.WriteString("}\n")
	}
	sb.WriteString("}\n")
}

func serializeGPT(sb *strings.Builder, g *GPT) {
	fmt.Fprintf(sb, "gpt \"%s\" {\n", escape(g.Name))
	if g.GUID != "" {
		writeStr(sb, "guid", g.GUID)
	}
	for _, part := range g.Partitions {
		fmt.Fprintf(sb, "partition \"%s\" {\n", escape(part.Name))
		writeStr(sb, "block-offset", part.BlockOffset)
		writeInt(sb, "block-count", part.BlockCount)
		if part.Type != "" {
			writeStr(sb, "type", part.Type)
		}
		if part.GUID != "" {
			writeStr(sb, "guid", part.GUID)
		}
		if part.Expand {
			writeStr(sb, "expand", "true")
		}
		sb.WriteString("}\n")
	}
	sb.WriteString("}\n")
}

func serializeTask(sb *strings.Builder, t *Task) {
	fmt.Fprintf(sb, "task \"%s\" {\n", escape(t.Name))
	for _, r := range t.ReqList {
		writeCall(sb, r)
	}
	if t.RequirePartition1Offset >= 0 {
		writeInt(sb, "require-partition1-offset", t.RequirePartition1Offset)
	}
	if t.RequireUnmountedDestination {
		writeStr(sb, "require-unmounted-destination", "true")
	}
	writeCallSection(sb, "on-init", t.OnInit)
	writeCallSection(sb, "on-finish", t.OnFinish)
	writeCallSection(sb, "on-error", t.OnError)
	for _, name := range t.OnResourceNames() {
		calls := t.OnResource[name]
		fmt.Fprintf(sb, "on-resource \"%s\" {\n", escape(name))
		for _, c := range calls {
			writeCall(sb, c)
		}
		sb.WriteString("}\n")
	}
	sb.WriteString("}\n") // tasks are never rewound even if empty
}

func writeCallSection(sb *strings.Builder, name string, calls []FunctionCall) {
	if len(calls) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s {\n", name)
	for _, c := range calls {
		writeCall(sb, c)
	}
	sb.WriteString("}\n")
}

func writeCall(sb *strings.Builder, c FunctionCall) {
	quoted := make([]string, len(c.Args))
	for i, a := range c.Args {
		quoted[i] = fmt.Sprintf("\"%s\"", escape(a))
	}
	fmt.Fprintf(sb, "%s(%s)\n", c.Name, strings.Join(quoted, ", "))
}

func writeStr(sb *strings.Builder, key, v string) {
	if v == "" {
		return
	}
	fmt.Fprintf(sb, "%s=\"%s\"\n", key, escape(v))
}

func writeInt(sb *strings.Builder, key string, v int64) {
	fmt.Fprintf(sb, "%s=%s\n", key, strconv.FormatInt(v, 10))
}

func writeIntList(sb *strings.Builder, key string, vs []int64) {
	if len(vs) == 1 {
		writeInt(sb, key, vs[0])
		return
	}
	strs := make([]string, len(vs))
	for i, v := range vs {
		strs[i] = strconv.FormatInt(v, 10)
	}
	fmt.Fprintf(sb, "%s={%s}\n", key, strings.Join(strs, ","))
}

func escape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
