package store

import (
	"gorm.io/gorm/clause"
)

func onConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{DoNothing: true}
}

func forUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

func onConflictUpdateHeads() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "space_id"}, {Name: "doc_id"}, {Name: "branch"}},
		DoUpdates: clause.AssignmentColumns([]string{"heads"}),
	}
}

func onConflictUpdateSnapshot() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "space_id"}, {Name: "doc_id"}, {Name: "epoch"}},
		DoUpdates: clause.AssignmentColumns([]string{"bytes"}),
	}
}
