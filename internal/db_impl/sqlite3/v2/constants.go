package v2

const MovesTableName = "message_moves"
