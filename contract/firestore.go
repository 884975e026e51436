package contract

const (
	RoomsCollection    = "chatRooms"
	MessagesCollection = "messages"
	UsersCollection    = "users"
)

type FirestoreRoom struct {
	Name                        string   `firestore:"name"`
	Description                 string   `firestore:"description"`
	LastMessageTimestamp        int64    `firestore:"lastMessageTimestamp"`
	Members                     []string `firestore:"members"`
	PushNotificationSubscribers []string `firestore:"pushNotificationSubscribers"`
}

type FirestoreMessage struct {
	UID       string `firestore:"uid"`
	Text      string `firestore:"text"`
	Timestamp int64  `firestore:"timestamp"`
	Image     string `firestore:"image,omitempty"`
}

type FirestoreUser struct {
	FCMTokens []string `firestore:"fcmTokens"`
}
