package catalog

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/clinic/internal/platform/blobstore"
)

const legacyVaccines = `id,name,brand,dosageml,dosage count,interval days,treats,stock
1,BCG,SII,0.05,1,0,Tuberculosis,20
2,OPV,Bio Farma,2,4,28,Polio,100
`

func TestReadVaccines_LegacyHeader(t *testing.T) {
	items, skipped, err := ReadVaccines(strings.NewReader(legacyVaccines))
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, items, 2)

	opv := items[1]
	assert.Equal(t, 2, opv.ID)
	assert.Equal(t, "OPV", opv.Name)
	assert.Equal(t, 2.0, opv.DosageML)
	assert.Equal(t, 4, opv.Doses)
	assert.Equal(t, 28, opv.IntervalDays)
	assert.Equal(t, []string{"Polio"}, opv.Treats)
	assert.Equal(t, 100, opv.Stock)
	assert.Equal(t, 0, opv.MinAgeYears)
}

func TestReadVaccines_SkipsBadRows(t *testing.T) {
	in := `id,name,brand,dosage_ml,doses,interval_days,treats,stock
1,BCG,SII,0.05,1,0,Tuberculosis,20
x,Broken,,1,1,0,,1
3,,NoName,1,1,0,,1
4,Penta,Serum,0.5,three,28,,1
5,Measles,Serum,0.5,,,Measles,10
`
	items, skipped, err := ReadVaccines(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Len(t, skipped, 3)
	assert.Contains(t, skipped[0], "line 3")

	measles := items[1]
	assert.Equal(t, 1, measles.Doses, "blank doses default to one")
	assert.Equal(t, 30, measles.IntervalDays, "blank interval defaults to thirty days")
}

func TestReadVaccines_HeaderRequired(t *testing.T) {
	_, _, err := ReadVaccines(strings.NewReader("a,b,c\n1,2,3\n"))
	assert.Error(t, err)

	items, skipped, err := ReadVaccines(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, skipped)
}

func TestWriteThenReadVaccines_KeepsAllFields(t *testing.T) {
	in := []Vaccine{hpv(), {
		ID: 9, Name: "Penta, DTP-HepB-Hib", Brand: "Serum", DosageML: 0.5, Doses: 3, IntervalDays: 28,
		Treats: []string{"diphtheria", "tetanus", "pertussis"}, Stock: 3,
	}}
	var buf bytes.Buffer
	require.NoError(t, WriteVaccines(&buf, in))
	assert.True(t, strings.HasPrefix(buf.String(), strings.Join(VaccineHeader, ",")+"\n"))

	out, skipped, err := ReadVaccines(&buf)
	require.NoError(t, err)
	assert.Empty(t, skipped)
	assert.Equal(t, in, out)
}

func TestReadVitamins_LegacyDosageColumn(t *testing.T) {
	in := `id,name,brand,dosageml,dosage count,interval days,treats,stock
1,Vitamin A,Generic,30,2,180,Night blindness;Measles complications,40
`
	items, skipped, err := ReadVitamins(strings.NewReader(in))
	require.NoError(t, err)
	assert.Empty(t, skipped)
	require.Len(t, items, 1)
	assert.Equal(t, 30.0, items[0].DosageMG)
	assert.Equal(t, []string{"Night blindness", "Measles complications"}, items[0].Treats)
}

func TestCSVStore_FileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultVaccinesFile), []byte(legacyVaccines), 0o644))

	store := NewCSVStore(NewFileSource(dir), "", "", zerolog.Nop())
	cat := New(DuplicateReject)
	report, err := store.Load(context.Background(), cat)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Vaccines)
	assert.Equal(t, 0, report.Vitamins, "missing vitamins file loads empty")

	require.NoError(t, cat.AddVitamin(vitaminA()))
	_, err = cat.Restock(Key{Kind: KindVaccine, ID: 1}, 5)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), cat))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")

	reloaded := New(DuplicateReject)
	report, err = store.Load(context.Background(), reloaded)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Vaccines)
	assert.Equal(t, 1, report.Vitamins)
	assert.Equal(t, cat.Vaccines(), reloaded.Vaccines())
	assert.Equal(t, cat.Vitamins(), reloaded.Vitamins())
}

func TestCSVStore_DuplicateRowsFollowPolicy(t *testing.T) {
	in := legacyVaccines + "2,OPV,Other,2,4,28,Polio,7\n"
	src := NewBlobSource(blobstore.NewMemoryStore(), "catalog")
	require.NoError(t, src.Write(context.Background(), DefaultVaccinesFile, []byte(in)))
	store := NewCSVStore(src, "", "", zerolog.Nop())

	rejecting := New(DuplicateReject)
	report, err := store.Load(context.Background(), rejecting)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Vaccines)
	require.Len(t, report.Skipped, 1)
	assert.Contains(t, report.Skipped[0], "already exists")
	opv, _ := rejecting.Vaccine(2)
	assert.Equal(t, 100, opv.Stock)

	upserting := New(DuplicateUpsert)
	report, err = store.Load(context.Background(), upserting)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Vaccines)
	assert.Empty(t, report.Skipped)
	opv, _ = upserting.Vaccine(2)
	assert.Equal(t, 7, opv.Stock)
}

func TestBlobSource_MissingAndDescribe(t *testing.T) {
	src := NewBlobSource(blobstore.NewMemoryStore(), "catalog")
	_, err := src.Open(context.Background(), "vaccines.csv")
	assert.ErrorIs(t, err, ErrSourceMissing)
	assert.Equal(t, "blob:catalog/vaccines.csv", src.Describe("vaccines.csv"))
}
