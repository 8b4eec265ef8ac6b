package vector

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
)

func TestPointIDPassesUUIDsThrough(t *testing.T) {
	id := "5c56c793-69f3-4fbf-87e6-c4bf54c28c26"
	pid := pointID(id)
	if got := pid.GetUuid(); got != id {
		t.Errorf("pointID(uuid) = %q, want uuid preserved", got)
	}
}

func TestPointIDHashesOtherKeys(t *testing.T) {
	a := pointID("arxiv:2301.00001")
	b := pointID("arxiv:2301.00001")
	c := pointID("arxiv:2301.00002")

	if a.GetNum() == 0 {
		t.Error("non-UUID id should map to a numeric point id")
	}
	if a.GetNum() != b.GetNum() {
		t.Error("same id must hash to the same point id")
	}
	if a.GetNum() == c.GetNum() {
		t.Error("distinct ids should not collide")
	}
}

func TestPayloadRoundTripKeepsID(t *testing.T) {
	payload := toQdrantPayload("arxiv:2301.00001", map[string]string{
		"name": "GPT-4",
		"type": "AIModel",
	})

	hit := scoredPointToHit(&qdrant.ScoredPoint{Score: 0.97, Payload: payload})
	if hit.ID != "arxiv:2301.00001" {
		t.Errorf("hit.ID = %q, want original id from payload", hit.ID)
	}
	if hit.Payload["name"] != "GPT-4" || hit.Payload["type"] != "AIModel" {
		t.Errorf("payload = %v, want name and type preserved", hit.Payload)
	}
	if hit.Score != 0.97 {
		t.Errorf("score = %f, want 0.97", hit.Score)
	}
}
