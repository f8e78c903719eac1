package models

type Sector struct {
	SectorID int64  `json:"id"`
	Name     string `json:"name"`
	Prefix   string `json:"prefix"`
}
