package trade

// Op identifies a requested trade transition.
type Op string

const (
	OpMarkPaid       Op = "mark_paid"
	OpRelease        Op = "release"
	OpCancel         Op = "cancel"
	OpOpenDispute    Op = "open_dispute"
	OpReviewDispute  Op = "review_dispute"  // arbitrator accepts the case
	OpResolveRelease Op = "resolve_release" // arbitrator rules for the buyer
	OpResolveRefund  Op = "resolve_refund"  // arbitrator rules for the seller
	OpTimeoutCancel  Op = "timeout_cancel"  // scheduler: unpaid past deadline
	OpTimeoutDispute Op = "timeout_dispute" // scheduler: unconfirmed past deadline
	OpCancelDispute  Op = "cancel_dispute"  // dispute withdrawn by agreement
)

// AllOps enumerates every operation, for exhaustive table tests.
var AllOps = []Op{
	OpMarkPaid, OpRelease, OpCancel, OpOpenDispute, OpReviewDispute,
	OpResolveRelease, OpResolveRefund, OpTimeoutCancel, OpTimeoutDispute,
	OpCancelDispute,
}

// Role identifies who may request a transition.
type Role string

const (
	RoleBuyer      Role = "buyer"
	RoleSeller     Role = "seller"
	RoleEither     Role = "either" // buyer or seller
	RoleArbitrator Role = "arbitrator"
	RoleSystem     Role = "system"
	RoleNone       Role = "none"
)

// SystemActor is the actor ID used by the timeout scheduler.
const SystemActor = "system"

// Allows reports whether an actor with the given role satisfies the
// requirement.
func (required Role) Allows(actual Role) bool {
	switch required {
	case RoleEither:
		return actual == RoleBuyer || actual == RoleSeller
	default:
		return required == actual
	}
}

// TransitionKey addresses one cell of the legality table.
type TransitionKey struct {
	Status Status
	Op     Op
}

// Rule is the outcome of a legal transition: who may request it and the
// status the trade moves to.
type Rule struct {
	Role Role
	Next Status
}

// Transitions is the authoritative protocol definition: every legal
// (status, operation) pair, the role that may request it, and the resulting
// status. Any pair absent from this table is an illegal transition.
//
// Arbitrator resolutions are legal from both dispute_open and escrow_review
// so a case can be ruled on with or without the explicit review step.
var Transitions = map[TransitionKey]Rule{
	{StatusPending, OpMarkPaid}:      {RoleBuyer, StatusPaid},
	{StatusPending, OpCancel}:        {RoleEither, StatusCancelled},
	{StatusPending, OpOpenDispute}:   {RoleEither, StatusDisputeOpen}, // gated on payment deadline
	{StatusPending, OpTimeoutCancel}: {RoleSystem, StatusCancelled},

	{StatusPaid, OpRelease}:        {RoleSeller, StatusCompleted},
	{StatusPaid, OpOpenDispute}:    {RoleEither, StatusDisputeOpen},
	{StatusPaid, OpTimeoutDispute}: {RoleSystem, StatusDisputeOpen},

	{StatusDisputeOpen, OpReviewDispute}:  {RoleArbitrator, StatusEscrowReview},
	{StatusDisputeOpen, OpResolveRelease}: {RoleArbitrator, StatusCompleted},
	{StatusDisputeOpen, OpResolveRefund}:  {RoleArbitrator, StatusRefunded},
	{StatusDisputeOpen, OpCancelDispute}:  {RoleSystem, StatusCancelled},

	{StatusEscrowReview, OpResolveRelease}: {RoleArbitrator, StatusCompleted},
	{StatusEscrowReview, OpResolveRefund}:  {RoleArbitrator, StatusRefunded},
}

// Lookup validates the requested operation against the table and the
// actor's role. It returns the resulting status, a *TransitionError when the
// (status, op) pair is not in the table, or a role error when the pair is
// legal but the actor may not request it.
func Lookup(status Status, op Op, actor Role) (Status, error) {
	rule, ok := Transitions[TransitionKey{status, op}]
	if !ok {
		return "", &TransitionError{Status: status, Op: op}
	}
	if !rule.Role.Allows(actor) {
		return "", roleError(rule.Role)
	}
	return rule.Next, nil
}
