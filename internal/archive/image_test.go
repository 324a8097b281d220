package archive_test

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/spf13/afero"

	"github.com/ossyrian/mintywz/internal/archive"
	"github.com/ossyrian/mintywz/internal/wz"
)

func TestExportImage(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustSave(t, buildArchive(t, "Mob.wz", archive.WithVersion(83)), fs, "/Mob.wz", archive.SaveOptions{})
	a := mustOpen(t, fs, "/Mob.wz")
	id := mustLookup(t, a, "Data/Mob/100100.img")
	node, _ := a.Node(id)

	tests := []struct {
		name     string
		region   string
		verbatim bool
	}{
		{name: "same cipher", region: "gms", verbatim: true},
		{name: "other cipher", region: "ems"},
		{name: "no cipher", region: "bms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := a.ExportImage(id, &buf, wz.MustProfile(tt.region)); err != nil {
				t.Fatalf("ExportImage() failed: %v", err)
			}
			if tt.verbatim && buf.Len() != int(node.Size) {
				t.Errorf("verbatim export is %d bytes, want %d", buf.Len(), node.Size)
			}

			img, imgID, err := archive.OpenImage(bytes.NewReader(buf.Bytes()), int64(buf.Len()), "100100.img",
				archive.WithLogger(discardLogger()),
				archive.WithEagerPayloads(),
			)
			if err != nil {
				t.Fatalf("OpenImage() failed: %v", err)
			}
			if !img.Profile().SameCipher(wz.MustProfile(tt.region)) {
				t.Errorf("OpenImage() profile = %v, want %s", img.Profile(), tt.region)
			}
			props, err := img.Properties(imgID)
			if err != nil {
				t.Fatalf("Properties() failed: %v", err)
			}
			if !reflect.DeepEqual(props, mobProps()) {
				t.Errorf("imported image = %#v", props)
			}
		})
	}
}

func TestOpenImage_Import(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustSave(t, buildArchive(t, "Mob.wz", archive.WithVersion(83)), fs, "/Mob.wz", archive.SaveOptions{})
	src := mustOpen(t, fs, "/Mob.wz")

	var buf bytes.Buffer
	if err := src.ExportImage(mustLookup(t, src, "Slime.img"), &buf, src.Profile()); err != nil {
		t.Fatalf("ExportImage() failed: %v", err)
	}
	img, imgID, err := archive.OpenImage(bytes.NewReader(buf.Bytes()), int64(buf.Len()), "Slime.img",
		archive.WithProfile(src.Profile()),
		archive.WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatalf("OpenImage() failed: %v", err)
	}
	props, err := img.Properties(imgID)
	if err != nil {
		t.Fatalf("Properties() failed: %v", err)
	}

	dst := archive.New("Etc.wz", archive.WithVersion(90), archive.WithLogger(discardLogger()))
	mustAddImage(t, dst, dst.Root(), "Slime.img", props)
	mustSave(t, dst, fs, "/Etc.wz", archive.SaveOptions{})

	got := mustProperties(t, mustOpen(t, fs, "/Etc.wz"), "Slime.img")
	if !reflect.DeepEqual(got, scenarioProps()) {
		t.Errorf("imported Slime.img = %#v", got)
	}
}
