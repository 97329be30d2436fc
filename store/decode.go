package store

import (
	"encoding/json"

	"github.com/google/uuid"
)

// decodeAclsAndStreams unmarshals the json_agg(...) columns LoadColabDoc
// selects into typed rows; Postgres emits '[]' for an empty aggregate.
func decodeAclsAndStreams(aclsJSON, streamsJSON []byte) ([]AclRow, []StreamRow, error) {
	var acls []AclRow
	if err := json.Unmarshal(aclsJSON, &acls); err != nil {
		return nil, nil, err
	}
	var rawStreams []struct {
		ID        string  `json:"id"`
		Name      string  `json:"name"`
		Version   int32   `json:"version"`
		Content   []byte  `json:"content"`
		Size      int64   `json:"size"`
		CreatedBy *string `json:"created_by"`
		UpdatedBy *string `json:"updated_by"`
	}
	if err := json.Unmarshal(streamsJSON, &rawStreams); err != nil {
		return nil, nil, err
	}
	streams := make([]StreamRow, 0, len(rawStreams))
	for _, rs := range rawStreams {
		id, _ := uuid.Parse(rs.ID)
		streams = append(streams, StreamRow{
			ID:        id,
			Name:      rs.Name,
			Version:   rs.Version,
			Content:   rs.Content,
			Size:      rs.Size,
			CreatedBy: rs.CreatedBy,
			UpdatedBy: rs.UpdatedBy,
		})
	}
	return acls, streams, nil
}
