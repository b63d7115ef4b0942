package catalog

import (
	"strconv"

	"github.com/jacktea/xgallery/pkg/meta"
)

const photoBase = "https://images.unsplash.com/"

var defaultPhotos = []struct {
	photo  string
	author string
}{
	{"photo-1506905925346-21bda4d32df4", "Mountain View"},
	{"photo-1469474968028-56623f02e42e", "Forest Path"},
	{"photo-1470071459604-3b5ec3a7fe05", "Misty Valley"},
	{"photo-1441974231531-c6227db76b6e", "Desert Landscape"},
	{"photo-1426604966848-d7adac402bff", "Lake Reflection"},
	{"photo-1502082553048-f009c37129b9", "Ocean Waves"},
	{"photo-1472214103451-9374bd1c798e", "Tropical Beach"},
	{"photo-1475924156734-496f6cac6ec1", "Snowy Mountains"},
	{"photo-1501854140801-50d01698950b", "City Skyline"},
	{"photo-1507525428034-b723cf961d3e", "Sunset Beach"},
	{"photo-1519681393784-d120267933ba", "Night Sky"},
	{"photo-1511884642898-4c92249e20b6", "Autumn Forest"},
	{"photo-1518837695005-2083093ee35b", "Flower Field"},
	{"photo-1465146344425-f00d5f5c8f07", "Green Hills"},
	{"photo-1506905925346-21bda4d32df4", "Rocky Coast"},
	{"photo-1447752875215-b2761acb3c5d", "Wildlife Scene"},
	{"photo-1500534314209-a25ddb2bd429", "Waterfall"},
	{"photo-1481627834876-b7833e8f5570", "Northern Lights"},
	{"photo-1464822759023-fed622ff2c3b", "Peak Summit"},
	{"photo-1505142468610-359e7d316be0", "Urban Night"},
	{"photo-1506905925346-21bda4d32df4", "Mountain View1"},
	{"photo-1469474968028-56623f02e42e", "Forest Path1"},
	{"photo-1470071459604-3b5ec3a7fe05", "Misty Valley1"},
	{"photo-1441974231531-c6227db76b6e", "Desert Landscape1"},
	{"photo-1426604966848-d7adac402bff", "Lake Reflection1"},
	{"photo-1502082553048-f009c37129b9", "Ocean Waves1"},
	{"photo-1472214103451-9374bd1c798e", "Tropical Beach1"},
	{"photo-1475924156734-496f6cac6ec1", "Snowy Mountains1"},
	{"photo-1501854140801-50d01698950b", "City Skyline1"},
	{"photo-1507525428034-b723cf961d3e", "Sunset Beach 1"},
}

// DefaultRecords returns the 30 built-in records with ids "1" to "30".
func DefaultRecords() []meta.Record {
	out := make([]meta.Record, len(defaultPhotos))
	for i, p := range defaultPhotos {
		url := photoBase + p.photo
		out[i] = meta.Record{
			ID:           strconv.Itoa(i + 1),
			ImageURL:     url,
			ThumbnailURL: thumbnail(url),
			Author:       p.author,
		}
	}
	return out
}

func thumbnail(imageURL string) string { return imageURL + "?w=400" }
