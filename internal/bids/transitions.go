package bids

type edge struct {
	from, to Status
}

// allowed maps each edge to the actors that may take it.
var allowed = map[edge][]Actor{
	{StatusPending, StatusReviewing}:   {ActorVendor},
	{StatusReviewing, StatusBidded}:    {ActorVendor},
	{StatusBidded, StatusAccepted}:     {ActorBuyer},
	{StatusAccepted, StatusPaid}:       {ActorSystem},
	{StatusPaid, StatusPreparing}:      {ActorVendor},
	{StatusPreparing, StatusShipped}:   {ActorVendor},
	{StatusShipped, StatusCompleted}:   {ActorBuyer, ActorSystem},
	{StatusPending, StatusRejected}:    {ActorVendor, ActorSystem},
	{StatusReviewing, StatusRejected}:  {ActorVendor, ActorSystem},
	{StatusBidded, StatusRejected}:     {ActorVendor, ActorSystem},
	{StatusAccepted, StatusCancelled}:  {ActorBuyer, ActorVendor, ActorSystem},
	{StatusPaid, StatusCancelled}:      {ActorSystem},
}

// CanTransition reports whether actor may move a bid from one status to another.
func CanTransition(from, to Status, actor Actor) bool {
	for _, a := range allowed[edge{from, to}] {
		if a == actor {
			return true
		}
	}
	return false
}

// Known reports whether s is a lifecycle status.
func Known(s Status) bool {
	switch s {
	case StatusPending, StatusReviewing, StatusBidded, StatusAccepted, StatusPaid,
		StatusPreparing, StatusShipped, StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}
