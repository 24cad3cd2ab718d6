package snapshot

import (
	"testing"

	"github.com/conneroisu/stencil/internal/errors"
	"github.com/conneroisu/stencil/internal/registry"
	"github.com/conneroisu/stencil/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore() *registry.Store {
	store := registry.NewStore()
	master := &types.Template{Name: "Master", FullName: "Shared/Master", Path: "/v/Shared/Master.html", RawText: "<html>%%View%%</html>", Fingerprint: "aa"}
	index := &types.Template{Name: "Index", FullName: "Home/Index", Path: "/v/Home/Index.html", RawText: "%%Master=Master%%Hi", Fingerprint: "bb"}
	store.PutTemplate(master)
	store.PutTemplate(index)

	view := types.NewCompiledView(index, "<html>Hi</html>")
	view.SetResult("<html>Hi</html>")
	store.PutView(view)
	store.PutView(types.NewCompiledView(master, master.RawText))
	store.RecordDependency("Home/Index", "Shared/Master")
	return store
}

func TestCaptureAndRestore(t *testing.T) {
	snap := Capture(seededStore())
	assert.Equal(t, Version, snap.Version)
	require.Len(t, snap.Templates, 2)
	require.Len(t, snap.Views, 2)
	assert.Equal(t, "Home/Index", snap.Templates[0].FullName)
	assert.Equal(t, []string{"Shared/Master"}, snap.Dependencies["Home/Index"])

	for _, format := range []string{FormatJSON, FormatMsgpack} {
		t.Run(format, func(t *testing.T) {
			codec, err := CodecFor(format)
			require.NoError(t, err)
			assert.Equal(t, format, codec.Format())

			blob, err := codec.Encode(snap)
			require.NoError(t, err)
			decoded, err := codec.Decode(blob)
			require.NoError(t, err)
			assert.Equal(t, snap, decoded)

			store := registry.NewStore()
			require.NoError(t, decoded.Restore(store))
			view, ok := store.View("Home/Index")
			require.True(t, ok)
			assert.Equal(t, "<html>Hi</html>", view.CompiledText)
			assert.Empty(t, view.Result())
			tmpl, ok := store.Template("Shared/Master")
			require.True(t, ok)
			assert.Equal(t, "aa", tmpl.Fingerprint)
			assert.Equal(t, []string{"Home/Index"}, store.Dependents("Shared/Master"))
		})
	}
}

func TestJSONFieldNames(t *testing.T) {
	blob, err := JSONCodec{}.Encode(Capture(seededStore()))
	require.NoError(t, err)
	for _, field := range []string{`"templates"`, `"views"`, `"dependencies"`, `"fullName"`, `"rawText"`, `"compiledText"`, `"contentFingerprint"`} {
		assert.Contains(t, string(blob), field)
	}
	assert.NotContains(t, string(blob), `"result"`)
}

func TestDecodeEmpty(t *testing.T) {
	snap, err := JSONCodec{}.Decode([]byte(`{"version":1}`))
	require.NoError(t, err)
	assert.NotNil(t, snap.Templates)
	assert.NotNil(t, snap.Dependencies)
}

func TestDecodeErrors(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte("{not json"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeIO, errors.TypeOf(err))

	_, err = MsgpackCodec{}.Decode([]byte{0xc1})
	assert.Error(t, err)
}

func TestRestoreRejectsUnknownVersion(t *testing.T) {
	snap := &Snapshot{Version: 99}
	assert.Error(t, snap.Restore(registry.NewStore()))
}

func TestCodecForUnknown(t *testing.T) {
	_, err := CodecFor("xml")
	require.Error(t, err)
	assert.Equal(t, errors.ErrorTypeConfig, errors.TypeOf(err))

	codec, err := CodecFor("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, codec.Format())
}
