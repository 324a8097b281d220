package archive_test

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/spf13/afero"

	"github.com/ossyrian/mintywz/internal/archive"
	wztypes "github.com/ossyrian/mintywz/internal/types"
	"github.com/ossyrian/mintywz/internal/wz"
)

func TestSave_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		epoch   wz.Epoch
		region  string
		version int
	}{
		{name: "legacy gms", epoch: wz.EpochLegacy, region: "gms", version: 83},
		{name: "legacy ems", epoch: wz.EpochLegacy, region: "ems", version: 55},
		{name: "headerless gms", epoch: wz.EpochHeaderless, region: "gms", version: 230},
		{name: "headerless bms", epoch: wz.EpochHeaderless, region: "bms", version: 176},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			profile := wz.MustProfile(tt.region)
			built := buildArchive(t, "Mob.wz",
				archive.WithVersion(tt.version),
				archive.WithEpoch(tt.epoch),
				archive.WithProfile(profile),
			)
			original := mustSave(t, built, fs, "/game/Mob.wz", archive.SaveOptions{})

			a := mustOpen(t, fs, "/game/Mob.wz")
			if a.Version() != tt.version {
				t.Errorf("Version() = %d, want %d", a.Version(), tt.version)
			}
			if a.Epoch() != tt.epoch {
				t.Errorf("Epoch() = %v, want %v", a.Epoch(), tt.epoch)
			}
			if !a.Profile().SameCipher(profile) {
				t.Errorf("Profile() = %v, want %v", a.Profile(), profile)
			}

			if got := mustProperties(t, a, "Slime.img"); !reflect.DeepEqual(got, scenarioProps()) {
				t.Errorf("Slime.img = %#v", got)
			}
			if got := mustProperties(t, a, "Data/Mob/100100.img"); !reflect.DeepEqual(got, mobProps()) {
				t.Errorf("100100.img = %#v", got)
			}
			empty := mustLookup(t, a, "Empty")
			if children := a.Children(empty); len(children) != 0 {
				t.Errorf("Empty has %d children", len(children))
			}

			resaved := mustSave(t, a, fs, "/game/Mob.resaved.wz", archive.SaveOptions{})
			if !bytes.Equal(resaved, original) {
				t.Errorf("re-saved archive differs from the source (%d vs %d bytes)", len(resaved), len(original))
			}
		})
	}
}

func TestSave_Scenario(t *testing.T) {
	fs := afero.NewMemMapFs()
	a := archive.New("Base.wz", archive.WithVersion(95), archive.WithLogger(discardLogger()))
	data := mustAddDir(t, a, a.Root(), "Data")
	mustAddImage(t, a, data, "a.img", scenarioProps())
	mustSave(t, a, fs, "/Base.wz", archive.SaveOptions{})

	reopened := mustOpen(t, fs, "/Base.wz")
	props := mustProperties(t, reopened, "Data/a.img")

	hp, ok := wztypes.Find(props, "hp").(*wztypes.WzIntProperty)
	if !ok || hp.Value != 100 {
		t.Errorf("hp = %#v, want Int 100", wztypes.Find(props, "hp"))
	}
	name, ok := wztypes.Find(props, "name").(*wztypes.WzStringProperty)
	if !ok || name.Value != "Slime" {
		t.Errorf("name = %#v, want String Slime", wztypes.Find(props, "name"))
	}
	pos, ok := wztypes.Find(props, "pos").(*wztypes.WzVectorProperty)
	if !ok || pos.X != 10 || pos.Y != 20 {
		t.Errorf("pos = %#v, want Vector (10,20)", wztypes.Find(props, "pos"))
	}
}

func TestSave_EpochMigration(t *testing.T) {
	for _, from := range []wz.Epoch{wz.EpochLegacy, wz.EpochHeaderless} {
		to := wz.EpochHeaderless
		if from == wz.EpochHeaderless {
			to = wz.EpochLegacy
		}
		t.Run(from.String()+" to "+to.String(), func(t *testing.T) {
			fs := afero.NewMemMapFs()
			mustSave(t, buildArchive(t, "Mob.wz", archive.WithVersion(83), archive.WithEpoch(from)), fs, "/Mob.wz", archive.SaveOptions{})

			a := mustOpen(t, fs, "/Mob.wz")
			mustSave(t, a, fs, "/Mob.migrated.wz", archive.SaveOptions{Epoch: &to})

			migrated := mustOpen(t, fs, "/Mob.migrated.wz")
			if migrated.Epoch() != to {
				t.Errorf("Epoch() = %v, want %v", migrated.Epoch(), to)
			}
			if migrated.Version() != 83 {
				t.Errorf("Version() = %d, want 83", migrated.Version())
			}
			if got := mustProperties(t, migrated, "Data/Mob/100100.img"); !reflect.DeepEqual(got, mobProps()) {
				t.Errorf("100100.img = %#v", got)
			}
		})
	}
}

func TestSave_ChangeCipherAndVersion(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustSave(t, buildArchive(t, "Mob.wz", archive.WithVersion(83)), fs, "/Mob.wz", archive.SaveOptions{})

	a := mustOpen(t, fs, "/Mob.wz")
	ems := wz.MustProfile("ems")
	mustSave(t, a, fs, "/Mob.ems.wz", archive.SaveOptions{Profile: &ems, Version: 62})

	converted := mustOpen(t, fs, "/Mob.ems.wz")
	if !converted.Profile().SameCipher(ems) {
		t.Errorf("detected profile = %v, want ems", converted.Profile())
	}
	if converted.Version() != 62 {
		t.Errorf("Version() = %d, want 62", converted.Version())
	}
	if got := mustProperties(t, converted, "Data/Slime.img"); !reflect.DeepEqual(got, scenarioProps()) {
		t.Errorf("Data/Slime.img = %#v", got)
	}
}

func TestSave_ModifiedImage(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustSave(t, buildArchive(t, "Mob.wz", archive.WithVersion(83)), fs, "/Mob.wz", archive.SaveOptions{})

	a := mustOpen(t, fs, "/Mob.wz")
	id := mustLookup(t, a, "Data/Slime.img")
	props, err := a.Properties(id)
	if err != nil {
		t.Fatalf("Properties() failed: %v", err)
	}
	props = append(props, &wztypes.WzStringProperty{Name: "desc", Value: "A bouncy monster"})
	if err := a.SetProperties(id, props); err != nil {
		t.Fatalf("SetProperties() failed: %v", err)
	}
	if err := a.Rename(mustLookup(t, a, "Slime.img"), "Snail.img"); err != nil {
		t.Fatalf("Rename() failed: %v", err)
	}
	if err := a.Remove(mustLookup(t, a, "Empty")); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	// saving over the source replaces it once everything was copied
	mustSave(t, a, fs, "/Mob.wz", archive.SaveOptions{})

	edited := mustOpen(t, fs, "/Mob.wz")
	got := mustProperties(t, edited, "Data/Slime.img")
	if desc := wztypes.Find(got, "desc"); desc == nil || desc.GetValue() != "A bouncy monster" {
		t.Errorf("desc = %#v", desc)
	}
	if got := mustProperties(t, edited, "Snail.img"); !reflect.DeepEqual(got, scenarioProps()) {
		t.Errorf("Snail.img = %#v", got)
	}
	if _, err := edited.Lookup("Empty"); !errors.Is(err, wz.ErrNotFound) {
		t.Errorf("Lookup(Empty) error = %v, want ErrNotFound", err)
	}

	tmp, err := afero.Glob(fs, "/*tmp*")
	if err != nil {
		t.Fatal(err)
	}
	scratch, _ := afero.Glob(fs, "/.mintywz-scratch-*")
	if len(tmp)+len(scratch) != 0 {
		t.Errorf("Save() left temporary files: %v %v", tmp, scratch)
	}
}

func TestSave_EmptyArchive(t *testing.T) {
	tests := []struct {
		name    string
		epoch   wz.Epoch
		version int
	}{
		{name: "legacy", epoch: wz.EpochLegacy, version: 83},
		{name: "headerless", epoch: wz.EpochHeaderless, version: 83},
		// the marker of version 18 is 0x80, the long form compressed int prefix
		{name: "legacy marker 0x80", epoch: wz.EpochLegacy, version: 18},
		{name: "headerless version 18", epoch: wz.EpochHeaderless, version: 18},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			a := archive.New("Empty.wz", archive.WithEpoch(tt.epoch), archive.WithLogger(discardLogger()))
			data := mustSave(t, a, fs, "/Empty.wz", archive.SaveOptions{Version: tt.version})
			if data[len(data)-1] != 0 {
				t.Errorf("root table = 0x%02X, want a zero count", data[len(data)-1])
			}

			reopened := mustOpen(t, fs, "/Empty.wz")
			if reopened.Epoch() != tt.epoch {
				t.Errorf("Epoch() = %v, want %v", reopened.Epoch(), tt.epoch)
			}
			if len(reopened.Children(reopened.Root())) != 0 {
				t.Error("empty archive reopened with entries")
			}

			explicit := mustOpen(t, fs, "/Empty.wz", archive.WithVersion(tt.version))
			if explicit.Version() != tt.version {
				t.Errorf("Version() = %d, want %d", explicit.Version(), tt.version)
			}
		})
	}
}

func TestSave_RequiresVersion(t *testing.T) {
	a := archive.New("Mob.wz", archive.WithLogger(discardLogger()))
	err := a.Save(context.Background(), afero.NewMemMapFs(), "/Mob.wz", archive.SaveOptions{})
	if err == nil {
		t.Fatal("Save() without a patch version succeeded")
	}

	if err := a.Save(context.Background(), afero.NewMemMapFs(), "/Mob.wz", archive.SaveOptions{Version: 83}); err != nil {
		t.Errorf("Save() with SaveOptions.Version failed: %v", err)
	}
}

func TestSave_ReadOnlyFs(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	a := buildArchive(t, "Mob.wz", archive.WithVersion(83))
	err := a.Save(context.Background(), fs, "/Mob.wz", archive.SaveOptions{})
	if !errors.Is(err, wz.ErrIO) {
		t.Errorf("Save() on a read-only fs error = %v, want ErrIO", err)
	}
}
