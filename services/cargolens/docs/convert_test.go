// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const structPage = `<!DOCTYPE html>
<html><head><title>Foo in serde</title><script>var searchIndex = 1;</script><style>body{}</style></head>
<body><nav class="sidebar">Sidebar stuff</nav>
<main><section id="main-content" class="content">
<div class="main-heading"><h1>Struct <a href="index.html">serde</a>::<span class="struct">Foo</span><button id="copy-path">Copy item path</button></h1><rustdoc-toolbar></rustdoc-toolbar><span class="out-of-band"><a class="src" href="../src/serde/lib.rs.html#1">Source</a></span></div>
<pre class="rust item-decl"><code>pub struct Foo {
    pub x: u32,
}</code></pre>
<details class="toggle top-doc" open><summary class="hideme"><span>Expand description</span></summary><div class="docblock"><p>A <code>Foo</code> wraps a <a href="trait.Bar.html" title="trait serde::Bar"><code>Bar</code></a>. See <a href="de/struct.Baz.html">the baz</a> and <a href="https://serde.rs">the site</a>.</p>
<div class="example-wrap"><pre class="rust rust-example-rendered"><code><span class="kw">let</span> foo = Foo { x: <span class="number">1</span> };
    assert_eq!(foo.x,  1);</code></pre></div></div></details>
<h2 id="implementations" class="section-header">Implementations<a href="#implementations" class="anchor">§</a></h2>
<details class="toggle implementors-toggle" open><summary><section id="impl-Foo" class="impl"><a href="#impl-Foo" class="anchor">§</a><h3 class="code-header">impl <a class="struct" href="struct.Foo.html" title="struct serde::Foo">Foo</a></h3></section></summary>
<div class="impl-items"><section id="method.new" class="method"><span class="since rightside">1.0.0</span><h4 class="code-header">pub fn <a href="#method.new" class="fn">new</a>() -&gt; Self</h4></section>
<div class="docblock"><p>Creates a <strong>new</strong> <em>value</em>.</p></div></div></details>
</section></main></body></html>`

const structMarkdown = "# Struct serde::Foo\n\n" +
	"```rust\npub struct Foo {\n    pub x: u32,\n}\n```\n\n" +
	"A `Foo` wraps a `serde::Bar`. See the baz (`serde::de::Baz`) and [the site](https://serde.rs).\n\n" +
	"```rust\nlet foo = Foo { x: 1 };\n    assert_eq!(foo.x,  1);\n```\n\n" +
	"## Implementations\n\n" +
	"```rust\nimpl Foo\n```\n\n" +
	"```rust\npub fn new() -> Self\n```\n\n" +
	"Creates a **new** *value*."

func TestConvert_StructPage(t *testing.T) {
	md, err := Convert([]byte(structPage), ConvertOptions{Page: "serde/struct.Foo.html"})
	require.NoError(t, err)
	assert.Equal(t, structMarkdown, md)
}

func TestConvert_StripsChrome(t *testing.T) {
	md, err := Convert([]byte(structPage), ConvertOptions{Page: "serde/struct.Foo.html"})
	require.NoError(t, err)

	for _, chrome := range []string{
		"Sidebar stuff", "searchIndex", "body{}", "Copy item path",
		"Source", "1.0.0", "§", "Expand description", "Foo in serde",
	} {
		assert.NotContains(t, md, chrome)
	}
}

func TestParse_Title(t *testing.T) {
	doc, err := Parse([]byte(structPage), ConvertOptions{Page: "serde/struct.Foo.html"})
	require.NoError(t, err)
	assert.Equal(t, "Struct serde::Foo", doc.Title)
	require.NotEmpty(t, doc.Blocks)
	assert.Equal(t, BlockHeading, doc.Blocks[0].Kind)
	assert.Equal(t, BlockSignature, doc.Blocks[1].Kind)
}

func TestConvert_PreservesCodeVerbatim(t *testing.T) {
	page := `<section id="main-content"><div class="docblock"><pre class="language-toml"><code>[dependencies]
serde = { version = "1",   features = ["derive"] }

# trailing comment</code></pre></div></section>`

	md, err := Convert([]byte(page), ConvertOptions{Page: "serde/index.html"})
	require.NoError(t, err)
	assert.Equal(t, "```toml\n[dependencies]\nserde = { version = \"1\",   features = [\"derive\"] }\n\n# trailing comment\n```", md)
}

func TestConvert_FenceOutgrowsBackticksInCode(t *testing.T) {
	page := "<section id=\"main-content\"><div class=\"docblock\"><pre class=\"rust rust-example-rendered\"><code>let md = \"\n```\n\";\nparse(md);</code></pre></div></section>"

	md, err := Convert([]byte(page), ConvertOptions{Page: "pulldown/index.html"})
	require.NoError(t, err)
	assert.Equal(t, "````rust\nlet md = \"\n```\n\";\nparse(md);\n````", md)
}

func TestFenceFor(t *testing.T) {
	assert.Equal(t, "```", fenceFor("fn main() {}"))
	assert.Equal(t, "```", fenceFor("let s = `a`;"))
	assert.Equal(t, "````", fenceFor("```"))
	assert.Equal(t, "``````", fenceFor("a ````` b"))
}

func TestConvert_ItemTable(t *testing.T) {
	page := `<section id="main-content"><h1>Crate <span>serde</span></h1><div class="docblock"><p>Serialization.</p></div>
<h2 id="structs" class="section-header">Structs<a href="#structs" class="anchor">§</a></h2>
<dl class="item-table"><dt><a class="struct" href="struct.Foo.html" title="struct serde::Foo">Foo</a></dt><dd>A foo.</dd><dt><a class="mod" href="de/index.html" title="mod serde::de">de</a></dt><dd>Deserialization.</dd></dl></section>`

	md, err := Convert([]byte(page), ConvertOptions{Page: "serde/index.html"})
	require.NoError(t, err)
	assert.Equal(t, "# Crate serde\n\nSerialization.\n\n## Structs\n\n- `serde::Foo`: A foo.\n- `serde::de`: Deserialization.", md)
}

func TestConvert_Links(t *testing.T) {
	tests := []struct {
		name string
		page string
		body string
		want string
	}{
		{
			name: "fragment only",
			page: "serde/index.html",
			body: `<p>See <a href="#examples">the examples</a>.</p>`,
			want: "See the examples.",
		},
		{
			name: "member anchor",
			page: "serde/index.html",
			body: `<p><a href="struct.Foo.html#method.new">Foo::new</a></p>`,
			want: "Foo::new (`serde::Foo::new`)",
		},
		{
			name: "parent module",
			page: "serde/de/value/struct.Error.html",
			body: `<p><a href="../trait.Error.html">Error</a></p>`,
			want: "`serde::de::Error`",
		},
		{
			name: "crate root",
			page: "serde/de/index.html",
			body: `<p><a href="../index.html">serde</a></p>`,
			want: "`serde`",
		},
		{
			name: "other crate by title",
			page: "serde/index.html",
			body: `<p><a href="../../std/option/enum.Option.html" title="enum core::option::Option">Option</a></p>`,
			want: "`core::option::Option`",
		},
		{
			name: "outside the doc tree without title",
			page: "serde/index.html",
			body: `<p><a href="../../std/option/enum.Option.html">Option</a></p>`,
			want: "Option",
		},
		{
			name: "external",
			page: "serde/index.html",
			body: `<p><a href="https://docs.rs/serde">docs.rs</a></p>`,
			want: "[docs.rs](https://docs.rs/serde)",
		},
		{
			name: "not a symbol page",
			page: "serde/index.html",
			body: `<p><a href="all.html">All items</a></p>`,
			want: "All items",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md, err := Convert([]byte(`<section id="main-content">`+tt.body+`</section>`), ConvertOptions{Page: tt.page})
			require.NoError(t, err)
			assert.Equal(t, tt.want, md)
		})
	}
}

func TestConvert_Lists(t *testing.T) {
	page := `<section id="main-content"><ul><li>one <code>x</code></li><li>two<ul><li>nested</li></ul></li></ul><ol><li>first</li><li>second</li></ol></section>`

	md, err := Convert([]byte(page), ConvertOptions{Page: "serde/index.html"})
	require.NoError(t, err)
	assert.Equal(t, "- one `x`\n- two\n  - nested\n\n1. first\n2. second", md)
}

func TestConvert_QuoteTableRule(t *testing.T) {
	page := `<section id="main-content"><blockquote><p>Note well.</p></blockquote><hr><table><thead><tr><th>Flag</th><th>Meaning</th></tr></thead><tbody><tr><td>std</td><td>Use std</td></tr></tbody></table></section>`

	md, err := Convert([]byte(page), ConvertOptions{Page: "serde/index.html"})
	require.NoError(t, err)
	assert.Equal(t, "> Note well.\n\n---\n\n- Flag | Meaning\n- std | Use std", md)
}

func TestConvert_RedirectPageIsEmpty(t *testing.T) {
	page := `<!DOCTYPE html><html><head><meta http-equiv="refresh" content="0;URL=../../serde/struct.Foo.html"></head>
<body><p>Redirecting to <a href="../../serde/struct.Foo.html">../../serde/struct.Foo.html</a>...</p></body></html>`

	md, err := Convert([]byte(page), ConvertOptions{Page: "serde/de/struct.Foo.html"})
	require.NoError(t, err)
	assert.Empty(t, md)
}

func TestConvert_FallsBackToBody(t *testing.T) {
	md, err := Convert([]byte(`<html><body><p>Plain page.</p><script>x()</script></body></html>`), ConvertOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Plain page.", md)
}
