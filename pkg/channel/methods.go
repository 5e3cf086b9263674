package channel

// Inbound method names, sent by the remote store.
const (
	MethodQuerySnapshot    = "QuerySnapshot"
	MethodDocumentSnapshot = "DocumentSnapshot"
	MethodDoTransaction    = "DoTransaction"
)

// Outbound transaction methods.
const (
	MethodRunTransaction    = "Firestore#runTransaction"
	MethodTransactionGet    = "Transaction#get"
	MethodTransactionDelete = "Transaction#delete"
	MethodTransactionUpdate = "Transaction#update"
	MethodTransactionSet    = "Transaction#set"
)

// Outbound listener and document methods.
const (
	MethodQueryListen    = "Query#addSnapshotListener"
	MethodDocumentListen = "DocumentReference#addSnapshotListener"
	MethodRemoveListener = "Firestore#removeListener"
	MethodQueryGet       = "Query#getDocuments"
	MethodDocumentGet    = "DocumentReference#get"
	MethodDocumentSet    = "DocumentReference#setData"
	MethodDocumentUpdate = "DocumentReference#updateData"
	MethodDocumentDelete = "DocumentReference#delete"
)

// Argument keys used in method call maps.
const (
	ArgHandle             = "handle"
	ArgPath               = "path"
	ArgData               = "data"
	ArgTransactionID      = "transactionId"
	ArgTransactionTimeout = "transactionTimeout"
)
