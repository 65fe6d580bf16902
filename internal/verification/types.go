package verification

import (
	"time"

	"BioProof-Chain/internal/biometric"
	"BioProof-Chain/internal/proofs"
)

// Status 是验证请求的状态。
type Status string

// 请求状态
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request 是第三方发起的验证请求。
type Request struct {
	ID                 string               `json:"id"`
	RequesterID        string               `json:"requesterId"`
	UserID             string               `json:"userId"`
	MetricType         biometric.MetricType `json:"metricType"`
	RequiredAttributes []string             `json:"requiredAttributes"`
	Purpose            string               `json:"purpose"`
	Jurisdiction       string               `json:"jurisdiction"`
	Status             Status               `json:"status"`
	RiskLevel          biometric.RiskLevel  `json:"riskLevel"`
	RiskReasons        []string             `json:"riskReasons,omitempty"`
	BoundProofID       string               `json:"boundProofId,omitempty"`
	DecisionReason     string               `json:"decisionReason,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	ExpiresAt          time.Time            `json:"expiresAt"`
	DecidedAt          *time.Time           `json:"decidedAt,omitempty"`
}

// Clone 返回深拷贝。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.RequiredAttributes = append([]string(nil), r.RequiredAttributes...)
	out.RiskReasons = append([]string(nil), r.RiskReasons...)
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		out.DecidedAt = &t
	}
	return &out
}

// Submission 是提交请求的入参。
type Submission struct {
	RequesterID        string               `json:"requesterId"`
	UserID             string               `json:"userId"`
	MetricType         biometric.MetricType `json:"metricType"`
	RequiredAttributes []string             `json:"requiredAttributes"`
	Purpose            string               `json:"purpose"`
	Jurisdiction       string               `json:"jurisdiction"`
}

// Decision 是用户对请求的决定。
type Decision struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// ProofReference 是批准时绑定的证明引用，不含证明本体。
type ProofReference struct {
	ProofHash              string    `json:"proofHash"`
	CircuitID              string    `json:"circuitId"`
	CryptographicallySound bool      `json:"cryptographicallySound"`
	ExpiresAt              time.Time `json:"expiresAt"`
}

// Outcome 是决定的结果，批准时附带选择性披露的属性。
type Outcome struct {
	Request     *Request             `json:"request"`
	Proof       *ProofReference      `json:"proof,omitempty"`
	Disclosures []*proofs.Disclosure `json:"disclosures,omitempty"`
}
