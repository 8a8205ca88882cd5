// Converts storage records to API types.

package handlers

import (
	"github.com/LettoKarvat/RCAFORM/internal/server/dto"
	"github.com/LettoKarvat/RCAFORM/internal/storage/entity"
)

func recordToDTO(r *entity.Record) dto.Record {
	data := r.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	return dto.Record{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		Data:      data,
		IP:        r.IP,
		UA:        r.UA,
		Country:   r.Country,
		Browser:   r.Browser,
		OS:        r.OS,
	}
}

func recordsToDTO(items []entity.Record) []dto.Record {
	out := make([]dto.Record, len(items))
	for i := range items {
		out[i] = recordToDTO(&items[i])
	}
	return out
}
