package v1

const AttachmentsTableName = "attachments"

const FlagWriteBacksTableName = "flag_writebacks"
