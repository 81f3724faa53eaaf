package harmonyxml

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwc10/harmony-dl/internal/models"
	"github.com/mwc10/harmony-dl/pkg/errs"
)

const plateXML = `
  <Plates>
    <Plate>
      <PlateID>3d4e</PlateID>
      <MeasurementID>m1</MeasurementID>
      <Name>Assay Plate</Name>
      <PlateTypeName>PerkinElmer CellCarrier-6</PlateTypeName>
      <PlateRows>2</PlateRows>
      <PlateColumns>3</PlateColumns>
      <Well id="0101" />
      <Well id="0102" />
    </Plate>
  </Plates>`

const mapsXML = `
  <Maps>
    <Map>
      <Entry ChannelID="1">
        <ChannelName>HOECHST 33342</ChannelName>
        <ImageResolutionX Unit="m">6.5E-07</ImageResolutionX>
        <ImageResolutionY Unit="m">6.5E-07</ImageResolutionY>
      </Entry>
      <Entry ChannelID="2">
        <ChannelName>Alexa 488</ChannelName>
        <ImageResolutionX Unit="m">6.5E-07</ImageResolutionX>
        <ImageResolutionY Unit="m">6.5E-07</ImageResolutionY>
      </Entry>
    </Map>
    <Map>
      <Entry ChannelID="1">
        <ObjectiveMagnification Unit="">20</ObjectiveMagnification>
        <FlatfieldProfile><![CDATA[{Background: {Character: NonFlat}}]]></FlatfieldProfile>
      </Entry>
      <Entry ChannelID="2">
        <ObjectiveMagnification Unit="">20</ObjectiveMagnification>
      </Entry>
    </Map>
  </Maps>`

func imageXML(row, col, field, plane, channel int) string {
	return fmt.Sprintf(`
    <Image Version="1">
      <id>%02d%02dK1F%dP%dR%d</id>
      <State>Ok</State>
      <URL>r%02dc%02df%02dp%02d-ch%dsk1fk1fl1.tiff</URL>
      <Row>%d</Row>
      <Col>%d</Col>
      <FieldID>%d</FieldID>
      <PlaneID>%d</PlaneID>
      <TimepointID>1</TimepointID>
      <ChannelID>%d</ChannelID>
      <ChannelName>ignored</ChannelName>
      <PositionX Unit="m">0.000135</PositionX>
      <PositionY Unit="m">-0.000135</PositionY>
      <PositionZ Unit="m">%d.0E-06</PositionZ>
      <AbsPositionZ Unit="m">0.0069</AbsPositionZ>
      <OrientationMatrix>[[1,0,0,0],[0,-1,0,0],[0,0,-1,0]]</OrientationMatrix>
    </Image>`, row, col, field, plane, channel, row, col, field, plane, channel, row, col, field, plane, channel, plane*2)
}

func imagesXML(images ...string) string {
	return "\n  <Images>" + strings.Join(images, "") + "\n  </Images>"
}

func xmlDocument(sections ...string) string {
	return `<?xml version="1.0" encoding="utf-8"?>
<EvaluationInputData xmlns="http://www.perkinelmer.com/PEHH/HarmonyV5" Version="2">
  <User>someone</User>
  <InstrumentType>Phenix</InstrumentType>` + strings.Join(sections, "") + `
  <Wells>
    <Well><id>0101</id><Row>1</Row><Col>1</Col><Image id="0101K1F1P1R1" /></Well>
  </Wells>
</EvaluationInputData>`
}

func validDocument() string {
	return xmlDocument(plateXML, mapsXML, imagesXML(
		imageXML(1, 1, 1, 1, 1),
		imageXML(1, 1, 1, 2, 1),
		imageXML(1, 1, 1, 1, 2),
		imageXML(1, 1, 1, 2, 2),
		imageXML(2, 3, 2, 1, 1),
	))
}

func TestParseValidDocument(t *testing.T) {
	h, err := Parse(strings.NewReader(validDocument()))
	require.NoError(t, err)

	assert.Equal(t, models.Plate{ID: "3d4e", Name: "Assay Plate", Kind: "PerkinElmer CellCarrier-6", Rows: 2, Cols: 3}, h.Plate)

	require.Len(t, h.Channels, 2)
	assert.Equal(t, "HOECHST 33342", h.Channels[1].Name)
	assert.Equal(t, uint16(20), h.Channels[1].Magnification, "fields from a later <Map> are merged")
	assert.InDelta(t, 0.65, h.Channels[2].Resolution[0], 1e-9)

	require.Len(t, h.Images, 5)
	first := h.Images[0]
	assert.Equal(t, "r01c01f01p01-ch1sk1fk1fl1.tiff", first.URL)
	assert.Equal(t, models.ChannelID(1), first.Channel)
	assert.InDelta(t, 2e-6, first.Position[2], 1e-12)
	assert.Equal(t, uint16(2), h.Images[1].Plane, "document order is kept")

	for _, img := range h.Images {
		assert.True(t, img.Row >= 1 && img.Row <= h.Plate.Rows)
		assert.True(t, img.Col >= 1 && img.Col <= h.Plate.Cols)
	}

	require.Len(t, h.Wells, 2)
	w := h.Wells[models.WellKey{Row: 1, Col: 1}]
	assert.Len(t, w.Planes, 2)
	assert.Len(t, w.Fields, 1)
	assert.Contains(t, h.Wells[models.WellKey{Row: 2, Col: 3}].Fields, uint32(2))
}

func TestParseIsIdempotent(t *testing.T) {
	a, err := Parse(strings.NewReader(validDocument()))
	require.NoError(t, err)
	b, err := Parse(strings.NewReader(validDocument()))
	require.NoError(t, err)

	assert.Equal(t, a.Plate, b.Plate)
	assert.Equal(t, a.Channels, b.Channels)
	assert.Equal(t, a.Images, b.Images)
	assert.Equal(t, a.Wells, b.Wells)
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Index.idx.xml")
	require.NoError(t, os.WriteFile(path, []byte(validDocument()), 0644))

	h, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Assay Plate", h.Plate.Name)

	_, err = ParseFile(filepath.Join(t.TempDir(), "missing.xml"))
	assert.Error(t, err)
}

func TestParseMissingSections(t *testing.T) {
	images := imagesXML(imageXML(1, 1, 1, 1, 1))
	tests := []struct {
		name    string
		doc     string
		missing []string
	}{
		{"no plates", xmlDocument(mapsXML, images), []string{"Plate"}},
		{"no maps", xmlDocument(plateXML, images), []string{"Channels"}},
		{"no images", xmlDocument(plateXML, mapsXML), []string{"Images", "Wells"}},
		{"nothing", xmlDocument(), []string{"Plate", "Channels", "Images", "Wells"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.ErrorIs(t, err, errs.ErrIncomplete)

			var ie *errs.IncompleteError
			require.ErrorAs(t, err, &ie)
			assert.Equal(t, tt.missing, ie.Missing)
		})
	}
}

func TestParsePlateCardinality(t *testing.T) {
	twoPlates := strings.Replace(plateXML, "</Plate>", "</Plate><Plate><PlateID>x</PlateID><Name>n</Name><PlateTypeName>t</PlateTypeName><PlateRows>1</PlateRows><PlateColumns>1</PlateColumns></Plate>", 1)
	noPlates := "<Plates></Plates>"
	images := imagesXML(imageXML(1, 1, 1, 1, 1))

	for name, plates := range map[string]string{"two plates": twoPlates, "no plates": noPlates} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(xmlDocument(plates, mapsXML, images)))
			assert.ErrorIs(t, err, errs.ErrCardinality)
		})
	}

	t.Run("two sections", func(t *testing.T) {
		_, err := Parse(strings.NewReader(xmlDocument(plateXML, plateXML, mapsXML, images)))
		assert.ErrorIs(t, err, errs.ErrCardinality)
	})
}

func TestParseConversionErrorNamesField(t *testing.T) {
	bad := strings.Replace(imageXML(1, 1, 1, 1, 1), "<PlaneID>1</PlaneID>", "<PlaneID>one</PlaneID>", 1)
	_, err := Parse(strings.NewReader(xmlDocument(plateXML, mapsXML, imagesXML(bad))))

	var ce *errs.ConversionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "PlaneID", ce.Field)
	assert.Equal(t, "u16", ce.Type)
	assert.Contains(t, err.Error(), "parsing <Images>")
}

func TestParseMissingImageField(t *testing.T) {
	bad := strings.Replace(imageXML(1, 1, 1, 1, 1), "<TimepointID>1</TimepointID>", "", 1)
	_, err := Parse(strings.NewReader(xmlDocument(plateXML, mapsXML, imagesXML(bad))))

	require.ErrorIs(t, err, errs.ErrStructure)
	assert.Contains(t, err.Error(), "<TimepointID>")
}

func TestParseChannelAttribute(t *testing.T) {
	images := imagesXML(imageXML(1, 1, 1, 1, 1))

	missing := strings.Replace(mapsXML, `<Entry ChannelID="2">`, `<Entry>`, 1)
	_, err := Parse(strings.NewReader(xmlDocument(plateXML, missing, images)))
	assert.ErrorIs(t, err, errs.ErrStructure)

	nonNumeric := strings.Replace(mapsXML, `<Entry ChannelID="2">`, `<Entry ChannelID="two">`, 1)
	_, err = Parse(strings.NewReader(xmlDocument(plateXML, nonNumeric, images)))
	assert.ErrorIs(t, err, errs.ErrConversion)
}

func TestParseStructuralErrors(t *testing.T) {
	images := imagesXML(imageXML(1, 1, 1, 1, 1))

	t.Run("text without field", func(t *testing.T) {
		plates := strings.Replace(plateXML, "<Plate>", "<Plate>stray", 1)
		_, err := Parse(strings.NewReader(xmlDocument(plates, mapsXML, images)))
		assert.ErrorIs(t, err, errs.ErrStructure)
	})

	t.Run("nested image", func(t *testing.T) {
		nested := strings.Replace(imageXML(1, 1, 1, 1, 1), "<State>Ok</State>", `<Image Version="1">`, 1) + "</Image>"
		_, err := Parse(strings.NewReader(xmlDocument(plateXML, mapsXML, imagesXML(nested))))
		assert.ErrorIs(t, err, errs.ErrStructure)
	})

	t.Run("truncated", func(t *testing.T) {
		doc := validDocument()
		_, err := Parse(strings.NewReader(doc[:len(doc)/2]))
		assert.ErrorIs(t, err, errs.ErrStructure)
	})

	t.Run("image outside plate", func(t *testing.T) {
		_, err := Parse(strings.NewReader(xmlDocument(plateXML, mapsXML, imagesXML(imageXML(3, 1, 1, 1, 1)))))
		assert.ErrorIs(t, err, errs.ErrStructure)
	})

	t.Run("duplicate maps", func(t *testing.T) {
		_, err := Parse(strings.NewReader(xmlDocument(plateXML, mapsXML, mapsXML, images)))
		assert.ErrorIs(t, err, errs.ErrStructure)
		assert.ErrorContains(t, err, "duplicate <Maps>")
	})

	t.Run("duplicate images", func(t *testing.T) {
		_, err := Parse(strings.NewReader(xmlDocument(plateXML, mapsXML, images, images)))
		assert.ErrorIs(t, err, errs.ErrStructure)
		assert.ErrorContains(t, err, "duplicate <Images>")
	})

	t.Run("nested entry", func(t *testing.T) {
		maps := strings.Replace(mapsXML, "<ChannelName>Alexa 488</ChannelName>", `<Entry ChannelID="3"></Entry>`, 1)
		_, err := Parse(strings.NewReader(xmlDocument(plateXML, maps, images)))
		assert.ErrorIs(t, err, errs.ErrStructure)
		assert.ErrorContains(t, err, "<Entry> opened inside channel 2")
	})

	t.Run("stray plate close", func(t *testing.T) {
		_, err := Parse(strings.NewReader(xmlDocument("<Plates></Plate></Plates>", mapsXML, images)))
		assert.ErrorIs(t, err, errs.ErrStructure)
	})
}

func TestSectionsRejectCloseWithoutRecord(t *testing.T) {
	tests := []struct {
		name    string
		section section
		close   string
	}{
		{"plate", &plateSection{}, "Plate"},
		{"entry", newMapSection(), "Entry"},
		{"image", newImageSection(), "Image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done, err := tt.section.end(tt.close)
			assert.False(t, done)
			assert.ErrorIs(t, err, errs.ErrStructure)
			assert.ErrorContains(t, err, tt.close)
		})
	}
}

func TestParseJoinsSplitText(t *testing.T) {
	maps := strings.Replace(mapsXML, "<ChannelName>HOECHST 33342</ChannelName>",
		"<ChannelName>HOE<![CDATA[CHST]]><![CDATA[ ]]>33<!-- dye -->342</ChannelName>", 1)
	img := strings.Replace(imageXML(1, 1, 1, 1, 1), "<URL>r01c01f01p01-ch1sk1fk1fl1.tiff</URL>",
		"<URL><![CDATA[r01c01f01p01]]>-ch1sk1fk1fl1.tiff</URL>", 1)

	h, err := Parse(strings.NewReader(xmlDocument(plateXML, maps, imagesXML(img))))
	require.NoError(t, err)
	assert.Equal(t, "HOECHST 33342", h.Channels[1].Name)
	assert.Equal(t, "r01c01f01p01-ch1sk1fk1fl1.tiff", h.Images[0].URL)
}
